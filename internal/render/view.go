package render

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io"

	"ocrdrop/internal/models"
	"ocrdrop/internal/state"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// Card is the grid view of one record.
type Card struct {
	ID           string
	Name         string
	PreviewURL   string
	Excerpt      template.HTML
	Processing   bool
	Error        string
	ShowMore     bool
	HasText      bool
	DownloadName string
	Selected     bool
}

// Detail is the expanded view of the selected record.
type Detail struct {
	ID           string
	Name         string
	PreviewURL   string
	Body         template.HTML
	Processing   bool
	Error        string
	HasText      bool
	DownloadName string
}

// PageData feeds the full page template.
type PageData struct {
	Cards     []Card
	Detail    *Detail
	CSRFToken string
	Version   uint64
}

// NewCard builds the card for r.
func NewCard(r models.ImageRecord, selected bool) Card {
	return Card{
		ID:           r.ID,
		Name:         r.Name,
		PreviewURL:   r.PreviewURL,
		Excerpt:      Markdown(Truncate(r.Text, models.ShowMoreThreshold)),
		Processing:   r.IsProcessing,
		Error:        r.Error,
		ShowMore:     r.HasMore(),
		HasText:      r.Text != "",
		DownloadName: models.DownloadName(r.Name),
		Selected:     selected,
	}
}

// NewDetail builds the detail pane for r with its complete current text.
func NewDetail(r models.ImageRecord) *Detail {
	return &Detail{
		ID:           r.ID,
		Name:         r.Name,
		PreviewURL:   r.PreviewURL,
		Body:         Markdown(r.Text),
		Processing:   r.IsProcessing,
		Error:        r.Error,
		HasText:      r.Text != "",
		DownloadName: models.DownloadName(r.Name),
	}
}

// Cards builds the grid in record order.
func Cards(st state.State) []Card {
	cards := make([]Card, 0, len(st.Records))
	for _, r := range st.Records {
		cards = append(cards, NewCard(r, r.ID == st.Selected))
	}
	return cards
}

// Page writes the full document.
func Page(w io.Writer, st state.State, version uint64, csrfToken string) error {
	data := PageData{Cards: Cards(st), CSRFToken: csrfToken, Version: version}
	if r, ok := st.SelectedRecord(); ok {
		data.Detail = NewDetail(r)
	}
	if err := templates.ExecuteTemplate(w, "page.html", data); err != nil {
		return fmt.Errorf("render page: %w", err)
	}
	return nil
}

// Grid renders the card grid fragment.
func Grid(st state.State) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, "grid", Cards(st)); err != nil {
		return "", fmt.Errorf("render grid: %w", err)
	}
	return buf.String(), nil
}

// DetailHTML renders the detail pane, empty when nothing is selected.
func DetailHTML(st state.State) (string, error) {
	r, ok := st.SelectedRecord()
	if !ok {
		return "", nil
	}
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, "detail", NewDetail(r)); err != nil {
		return "", fmt.Errorf("render detail: %w", err)
	}
	return buf.String(), nil
}

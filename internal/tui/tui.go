// Package tui provides the interactive BubbleTea interface for imgsift,
// generalized from the teacher's code-search TUI: the result list now
// shows image paths, similarity scores, and facets (dimensions,
// orientation, folder) instead of file:line snippets, "open in editor"
// becomes "reveal in file manager" via internal/reveal, and the rerank
// toggle is replaced by an orientation filter cycle. The model is
// backed by an indexservice.Service, so every search runs against that
// service's live index.
//
// Layout:
//
//	┌─────────────────────────────────────┐
//	│  imgsift  semantic image search      │  ← header
//	│  ❯ <query input>                    │  ← search bar
//	│  ─────────────────────────────────  │  ← divider
//	│  0.94  vacation/beach.jpg  1920x1080 │  ← results
//	│  ...                                │
//	│  ─────────────────────────────────  │  ← divider
//	│  [3 results]  ↑↓ enter  ^I  ^Q      │  ← status bar
//	└─────────────────────────────────────┘
package tui

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/imgsift/imgsift/internal/indexservice"
	"github.com/imgsift/imgsift/internal/reveal"
)

// ── Palette ──────────────────────────────────────────────────────────────────

var (
	colorAccent  = lipgloss.Color("#7C6AF7")
	colorDim     = lipgloss.Color("#555555")
	colorMuted   = lipgloss.Color("#888888")
	colorText    = lipgloss.Color("#DDDDDD")
	colorSubdued = lipgloss.Color("#444444")
	colorScore   = lipgloss.Color("#5ECEF5")
	colorErr     = lipgloss.Color("#FF6B6B")
	colorGreen   = lipgloss.Color("#5AF078")

	sTitle  = lipgloss.NewStyle().Bold(true).Foreground(colorText)
	sAccent = lipgloss.NewStyle().Foreground(colorAccent)
	sDim    = lipgloss.NewStyle().Foreground(colorDim)
	sMuted  = lipgloss.NewStyle().Foreground(colorMuted)
	sScore  = lipgloss.NewStyle().Foreground(colorScore).Bold(true)
	sPath   = lipgloss.NewStyle().Foreground(colorText)
	sDir    = lipgloss.NewStyle().Foreground(colorMuted)
	sFacet  = lipgloss.NewStyle().Foreground(colorMuted)
	sErr    = lipgloss.NewStyle().Foreground(colorErr)
	sGreen  = lipgloss.NewStyle().Foreground(colorGreen)
	sSel    = lipgloss.NewStyle().
		Background(lipgloss.Color("#1E1A3A")).
		Foreground(colorText)
	sHint = lipgloss.NewStyle().
		Foreground(colorDim).
		Background(lipgloss.Color("#111111"))
	sDivider = lipgloss.NewStyle().Foreground(colorSubdued)
)

// ── Spinner frames ────────────────────────────────────────────────────────────

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

type spinTickMsg struct{}

func spinTick() tea.Cmd {
	return tea.Tick(80*time.Millisecond, func(t time.Time) tea.Msg { return spinTickMsg{} })
}

// ── Messages ─────────────────────────────────────────────────────────────────

type mode int

const (
	modeSearch mode = iota
	modeStats
)

type (
	searchResultMsg []indexservice.SearchResult
	errMsg          struct{ err error }
	debounceMsg     struct {
		query string
		id    int
	}
)

// ── Model ─────────────────────────────────────────────────────────────────────

// Model is the BubbleTea application model.
type Model struct {
	svc        *indexservice.Service
	input      textinput.Model
	results    []indexservice.SearchResult
	cursor     int
	mode       mode
	err        error
	width      int
	height     int
	searching  bool
	spinFrame  int
	debounceID int
	lastQuery  string
	filters    indexservice.Filters
}

// New creates a new TUI model backed by a running index service.
func New(svc *indexservice.Service) Model {
	ti := textinput.New()
	ti.Placeholder = "search your photos…"
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 60
	ti.PromptStyle = sAccent
	ti.Prompt = "❯ "
	ti.TextStyle = lipgloss.NewStyle().Foreground(colorText)

	return Model{svc: svc, input: ti, mode: modeSearch}
}

// Init is the BubbleTea init hook.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, spinTick())
}

// Update processes messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = m.width - 8
		return m, nil

	case spinTickMsg:
		m.spinFrame = (m.spinFrame + 1) % len(spinnerFrames)
		return m, spinTick()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "ctrl+q":
			return m, tea.Quit

		case "ctrl+i":
			if m.mode != modeStats {
				m.mode = modeStats
				m.input.Blur()
			} else {
				m.mode = modeSearch
				m.input.Focus()
			}
			return m, nil

		case "ctrl+l":
			m.filters.Orientation = cycleOrientation(m.filters.Orientation)
			q := strings.TrimSpace(m.input.Value())
			if q != "" {
				m.searching = true
				return m, searchCmd(m.svc, q, m.filters)
			}
			return m, nil

		case "esc":
			m.mode = modeSearch
			m.input.Focus()
			m.err = nil
			return m, nil

		case "up", "ctrl+p":
			if m.cursor > 0 {
				m.cursor--
			}
			return m, nil

		case "down", "ctrl+n":
			if m.cursor < len(m.results)-1 {
				m.cursor++
			}
			return m, nil

		case "enter":
			if m.mode == modeSearch && len(m.results) > 0 {
				path := m.results[m.cursor].Path
				return m, revealCmd(path)
			}
			return m, nil
		}

	case debounceMsg:
		if msg.id == m.debounceID && msg.query == m.input.Value() {
			if strings.TrimSpace(msg.query) == "" {
				m.searching = false
				m.results = nil
				return m, nil
			}
			m.searching = true
			m.lastQuery = msg.query
			return m, searchCmd(m.svc, msg.query, m.filters)
		}
		return m, nil

	case searchResultMsg:
		m.searching = false
		m.results = []indexservice.SearchResult(msg)
		m.cursor = 0
		m.err = nil
		return m, nil

	case errMsg:
		m.searching = false
		m.err = msg.err
		return m, nil
	}

	// Delegate to text input in search mode.
	if m.mode == modeSearch {
		prevVal := m.input.Value()
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		if m.input.Value() != prevVal {
			m.debounceID++
			id := m.debounceID
			q := m.input.Value()
			return m, tea.Batch(cmd, debounceCmd(q, id, 280*time.Millisecond))
		}
		return m, cmd
	}

	return m, nil
}

// ── Views ─────────────────────────────────────────────────────────────────────

func (m Model) View() string {
	if m.width == 0 {
		return ""
	}
	if m.mode == modeStats {
		return m.statsView()
	}
	return m.searchView()
}

func (m Model) searchView() string {
	var b strings.Builder
	w := m.width
	divider := sDivider.Render(strings.Repeat("─", clamp(w-2, 10, 200)))

	status := m.svc.Ready()
	left := "  " + sTitle.Render("imgsift") + "  " + sMuted.Render("semantic image search")
	right := sDim.Render(fmt.Sprintf("%d images indexed", status.Indexed))
	fmt.Fprintln(&b, padBetween(left, right, w))

	fmt.Fprintln(&b, "  "+m.input.View())
	fmt.Fprintln(&b, "  "+divider)

	switch {
	case m.err != nil:
		fmt.Fprintln(&b, sErr.Render("  error: "+m.err.Error()))
	case m.searching:
		frame := spinnerFrames[m.spinFrame]
		fmt.Fprintln(&b, "  "+sAccent.Render(frame)+"  "+sMuted.Render("searching…"))
	case len(m.results) == 0 && m.input.Value() == "":
		fmt.Fprintln(&b, "")
		fmt.Fprintln(&b, sMuted.Render("  Start typing to search your photos semantically."))
		fmt.Fprintln(&b, sDim.Render("  Natural language works: ")+sMuted.Render("\"sunset over water\""))
	case len(m.results) == 0:
		fmt.Fprintln(&b, "")
		fmt.Fprintln(&b, sMuted.Render("  no results for ")+sAccent.Render("\""+m.lastQuery+"\""))
		fmt.Fprintln(&b, sDim.Render("  try rephrasing, or clear the orientation filter with ^L"))
	default:
		m.renderResults(&b, m.height-7)
	}

	b.WriteString("\n  " + divider + "\n")
	m.renderStatusBar(&b)
	return b.String()
}

func (m *Model) renderResults(b *strings.Builder, maxRows int) {
	if maxRows < 1 {
		maxRows = 1
	}
	for i, r := range m.results {
		if i >= maxRows {
			remaining := len(m.results) - i
			fmt.Fprintf(b, "  %s\n", sDim.Render(fmt.Sprintf("  … %d more results", remaining)))
			break
		}

		dir := filepath.Dir(r.Path)
		base := filepath.Base(r.Path)
		score := fmt.Sprintf("%.2f", r.Score)
		facet := fmt.Sprintf("%dx%d  %s", r.Width, r.Height, r.Orientation)

		line := fmt.Sprintf("  %s  %s%s  %s",
			sScore.Render(score), sDir.Render(dir+"/"), sPath.Render(base), sFacet.Render(facet))

		if i == m.cursor {
			raw := score + "  " + dir + "/" + base + "  " + facet
			pad := clamp(m.width-len(raw)-6, 0, m.width)
			line = sSel.Render("  " + sScore.Render(score) + "  " + sDir.Render(dir+"/") + sPath.Render(base) + "  " + sFacet.Render(facet) + strings.Repeat(" ", pad))
		}
		fmt.Fprintln(b, line)
	}
}

func (m *Model) renderStatusBar(b *strings.Builder) {
	var left string
	switch {
	case len(m.results) > 0:
		left = sGreen.Render(fmt.Sprintf("  %d result", len(m.results)))
		if len(m.results) != 1 {
			left += sGreen.Render("s")
		}
	case m.err != nil:
		left = "  " + sErr.Render(m.err.Error())
	default:
		left = sDim.Render("  no results")
	}

	filterStatus := sDim.Render("orientation:any")
	if m.filters.Orientation != "" {
		filterStatus = sAccent.Render("orientation:" + m.filters.Orientation)
	}

	right := sHint.Render(filterStatus + "  ^l filter  ^i info  esc clear  ↑↓ nav  enter reveal  ^q quit  ")
	fmt.Fprint(b, padBetween(left, right, m.width))
}

func (m Model) statsView() string {
	var b strings.Builder
	w := clamp(m.width, 10, 200)
	divider := sDivider.Render(strings.Repeat("─", w-2))

	fmt.Fprintln(&b, "  "+sTitle.Render("imgsift")+" "+sMuted.Render("— index info"))
	fmt.Fprintln(&b, "  "+divider)
	fmt.Fprintln(&b, "")

	status := m.svc.Ready()
	row := func(label, value string) {
		fmt.Fprintf(&b, "  %-22s %s\n", sDim.Render(label), value)
	}
	row("images indexed", sAccent.Render(fmt.Sprintf("%d", status.Indexed)))
	row("has index", sAccent.Render(fmt.Sprintf("%v", status.HasIndex)))
	row("embedding dim", sAccent.Render(fmt.Sprintf("%d", status.Dim)))
	row("device", sMuted.Render(status.Device))

	if folders, err := m.svc.Folders(); err == nil {
		for _, rf := range folders {
			row(rf.Root, sMuted.Render(fmt.Sprintf("%d images", rf.Count)))
		}
	}

	fmt.Fprintln(&b, "")
	fmt.Fprintln(&b, "  "+divider)
	fmt.Fprint(&b, sHint.Render("  esc back to search  ctrl+q quit"+strings.Repeat(" ", clamp(w-35, 0, 200))))
	return b.String()
}

// ── Commands ──────────────────────────────────────────────────────────────────

func debounceCmd(query string, id int, delay time.Duration) tea.Cmd {
	return func() tea.Msg {
		time.Sleep(delay)
		return debounceMsg{query: query, id: id}
	}
}

func searchCmd(svc *indexservice.Service, query string, filters indexservice.Filters) tea.Cmd {
	return func() tea.Msg {
		results, err := svc.SearchText(query, 10, filters)
		if err != nil {
			return errMsg{err}
		}
		return searchResultMsg(results)
	}
}

func revealCmd(path string) tea.Cmd {
	return func() tea.Msg {
		if err := reveal.Open(path); err != nil {
			return errMsg{err}
		}
		return nil
	}
}

func cycleOrientation(current string) string {
	switch current {
	case "":
		return "landscape"
	case "landscape":
		return "portrait"
	case "portrait":
		return "square"
	default:
		return ""
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// padBetween pads left and right strings to fill width.
func padBetween(left, right string, width int) string {
	lv := visibleLen(left)
	rv := visibleLen(right)
	gap := width - lv - rv - 2
	if gap < 1 {
		gap = 1
	}
	return left + strings.Repeat(" ", gap) + right
}

// visibleLen estimates printable character count (strips common ANSI sequences).
func visibleLen(s string) int {
	n := 0
	inEsc := false
	for _, c := range s {
		if c == '\x1b' {
			inEsc = true
		}
		if inEsc {
			if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') {
				inEsc = false
			}
			continue
		}
		n++
	}
	return n
}

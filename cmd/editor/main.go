package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"photoedit/internal/client"
	"photoedit/internal/editor"
	"photoedit/internal/models"
	"photoedit/internal/preview"
)

const chatLines = 12

// editorAPI is the part of *editor.Editor the terminal drives.
type editorAPI interface {
	View() editor.View
	SelectTip(i int) error
	RetryPreview(i int) error
	Navigate(i int)
	Dismiss()
	SendMessage(text string) error
	CancelAgent()
}

type viewMsg editor.View

type uiTheme struct {
	header    lipgloss.Style
	status    lipgloss.Style
	panel     lipgloss.Style
	title     lipgloss.Style
	current   lipgloss.Style
	muted     lipgloss.Style
	cursor    lipgloss.Style
	errorText lipgloss.Style
	role      map[models.Role]lipgloss.Style
}

func newTheme() uiTheme {
	pink := lipgloss.Color("#ff71ce")
	blue := lipgloss.Color("#01cdfe")
	mint := lipgloss.Color("#05ffa1")
	muted := lipgloss.Color("#9ca3d8")

	return uiTheme{
		header: lipgloss.NewStyle().Bold(true).Foreground(pink),
		status: lipgloss.NewStyle().Foreground(blue).Bold(true),
		panel: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(muted).
			Padding(0, 1),
		title:     lipgloss.NewStyle().Foreground(muted).Bold(true),
		current:   lipgloss.NewStyle().Foreground(mint).Bold(true),
		muted:     lipgloss.NewStyle().Foreground(muted),
		cursor:    lipgloss.NewStyle().Foreground(pink).Bold(true),
		errorText: lipgloss.NewStyle().Foreground(pink),
		role: map[models.Role]lipgloss.Style{
			models.RoleUser:      lipgloss.NewStyle().Foreground(mint).Bold(true),
			models.RoleAssistant: lipgloss.NewStyle().Foreground(blue).Bold(true),
		},
	}
}

type model struct {
	ed      editorAPI
	updates <-chan editor.View
	view    editor.View

	input    textinput.Model
	spinner  spinner.Model
	theme    uiTheme
	cursor   int
	tipsMode bool
	width    int
	err      string
}

func newModel(ed editorAPI, updates <-chan editor.View) model {
	input := textinput.New()
	input.Prompt = "❯ "
	input.CharLimit = 2000
	input.Placeholder = "Describe an edit, or press tab to pick a tip."
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Points
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#05ffa1"))

	return model{ed: ed, updates: updates, view: ed.View(), input: input, spinner: sp, theme: newTheme(), width: 80}
}

func waitView(ch <-chan editor.View) tea.Cmd {
	return func() tea.Msg {
		v, ok := <-ch
		if !ok {
			return nil
		}
		return viewMsg(v)
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, waitView(m.updates))
}

func (m model) busy() bool {
	return m.view.AgentRuns > 0 || len(m.view.TipsFetching) > 0
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case viewMsg:
		m.view = editor.View(msg)
		if m.cursor >= len(m.view.Tips) {
			m.cursor = max(len(m.view.Tips)-1, 0)
		}
		return m, waitView(m.updates)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.input.Width = max(msg.Width-6, 10)
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "tab":
		m.tipsMode = !m.tipsMode
		if m.tipsMode {
			m.input.Blur()
		} else {
			m.input.Focus()
		}
		return m, nil
	case "ctrl+x":
		m.ed.CancelAgent()
		return m, nil
	}

	if !m.tipsMode {
		if msg.Type == tea.KeyEnter {
			text := m.input.Value()
			m.input.SetValue("")
			m.err = ""
			if err := m.ed.SendMessage(text); err != nil {
				m.err = err.Error()
			}
			return m, nil
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	m.err = ""
	switch msg.String() {
	case "q":
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.view.Tips)-1 {
			m.cursor++
		}
	case "enter", " ":
		if err := m.ed.SelectTip(m.cursor); err != nil {
			m.err = err.Error()
		}
	case "r":
		if err := m.ed.RetryPreview(m.cursor); err != nil {
			m.err = err.Error()
		}
	case "left", "h":
		m.ed.Navigate(m.view.ViewIndex - 1)
	case "right", "l":
		m.ed.Navigate(m.view.ViewIndex + 1)
	case "esc", "d":
		m.ed.Dismiss()
	}
	return m, nil
}

func (m model) View() string {
	header := m.theme.header.Render(projectTitle(m.view.ProjectName))
	status := m.theme.status.Render(m.view.Status)
	if m.busy() {
		status = m.spinner.View() + " " + status
	}
	width := max(m.width-4, 20)

	parts := []string{
		lipgloss.JoinHorizontal(lipgloss.Top, header, "  ", status),
		m.theme.panel.Width(width).Render(m.renderTimeline()),
		m.theme.panel.Width(width).Render(m.renderTips()),
		m.theme.panel.Width(width).Render(m.renderChat()),
		m.input.View(),
	}
	if m.err != "" {
		parts = append(parts, m.theme.errorText.Render(m.err))
	}
	parts = append(parts, m.theme.muted.Render(m.help()))
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func projectTitle(name string) string {
	if name == "" {
		return "Untitled photo"
	}
	return name
}

func (m model) renderTimeline() string {
	var b strings.Builder
	b.WriteString(m.theme.title.Render("Versions") + "  ")
	for i := range m.view.Timeline {
		label := fmt.Sprintf("[%d]", i+1)
		if i == len(m.view.Snapshots) {
			label = "[draft]"
		}
		if i == m.view.ViewIndex {
			label = m.theme.current.Render(label)
		}
		b.WriteString(label + " ")
	}
	return b.String()
}

func previewBadge(s models.PreviewStatus) string {
	switch s {
	case models.PreviewPending:
		return "queued"
	case models.PreviewGenerating:
		return "rendering"
	case models.PreviewDone:
		return "ready"
	case models.PreviewError:
		return "failed, r to retry"
	case models.PreviewCancelled:
		return "cancelled"
	}
	return ""
}

func (m model) renderTips() string {
	lines := []string{m.theme.title.Render("Tips")}
	if len(m.view.Tips) == 0 {
		lines = append(lines, m.theme.muted.Render("none yet"))
	}
	for i, tip := range m.view.Tips {
		line := fmt.Sprintf("%s %s", tip.Emoji, tip.Label)
		if badge := previewBadge(tip.Status); badge != "" {
			line += m.theme.muted.Render(" (" + badge + ")")
		}
		if m.tipsMode && i == m.cursor {
			line = m.theme.cursor.Render("> ") + line
		} else {
			line = "  " + line
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (m model) renderChat() string {
	msgs := m.view.Messages
	if len(msgs) > chatLines {
		msgs = msgs[len(msgs)-chatLines:]
	}
	lines := []string{m.theme.title.Render("Chat")}
	for _, msg := range msgs {
		who := "you"
		if msg.Role == models.RoleAssistant {
			who = "agent"
		}
		line := m.theme.role[msg.Role].Render(who+":") + " " + strings.TrimSpace(msg.Content)
		if msg.Image != "" {
			line += m.theme.muted.Render(" [image]")
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (m model) help() string {
	if m.tipsMode {
		return "↑/↓ pick · enter select/commit · r retry · ←/→ versions · d dismiss draft · tab chat · q quit"
	}
	return "enter send · tab tips · ctrl+x stop agent · ctrl+c quit"
}

// latest forwards views to ch, replacing a view the terminal has not read yet.
func latest(ch chan editor.View) func(editor.View) {
	return func(v editor.View) {
		for {
			select {
			case ch <- v:
				return
			default:
			}
			select {
			case <-ch:
			default:
			}
		}
	}
}

func newLogger(path string) (*slog.Logger, func(), error) {
	if path == "" {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, err
	}
	return slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})), func() { f.Close() }, nil
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	imagePath := flag.String("image", "", "photo to start a new project from")
	projectID := flag.String("project", "", "stored project to restore")
	logPath := flag.String("log", "", "write logs to this file")
	flag.Parse()

	cfg, err := models.LoadConfig(*configPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg = models.DefaultConfig()
	} else if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, closeLog, err := newLogger(*logPath)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer closeLog()

	id := *projectID
	if id == "" {
		id = cfg.Editor.ProjectID
	}
	if id == "" && *imagePath == "" {
		return errors.New("either -image or -project is required")
	}
	if id == "" {
		id = uuid.NewString()
	}

	api := client.New(cfg.Editor.ServerURL, nil, logger)
	ed := editor.New(api, api, api, api, editor.Options{
		ProjectID:   id,
		TipsRetries: cfg.Tips.Retries,
		TipsBackoff: cfg.Tips.Backoff,
		Preview: preview.Options{
			MaxConcurrent: cfg.Preview.MaxConcurrent,
			Retries:       cfg.Preview.Retries,
			Backoff:       cfg.Preview.Backoff,
		},
		Logger: logger,
	})
	defer ed.Close()

	updates := make(chan editor.View, 1)
	unsubscribe := ed.Subscribe(latest(updates))
	defer unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if *imagePath != "" {
		data, err := os.ReadFile(*imagePath)
		if err != nil {
			return fmt.Errorf("read image: %w", err)
		}
		ref, err := api.Upload(ctx, filepath.Base(*imagePath), data)
		if err != nil {
			return fmt.Errorf("upload: %w", err)
		}
		if _, err := ed.Upload(ref, nil); err != nil {
			return err
		}
	} else {
		p, err := api.GetProject(ctx, id)
		if err != nil {
			return fmt.Errorf("restore %s: %w", id, err)
		}
		ed.Restore(p.Name, p.Snapshots, p.Messages)
	}

	_, err = tea.NewProgram(newModel(ed, updates), tea.WithAltScreen()).Run()
	return err
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "editor:", err)
		os.Exit(1)
	}
}

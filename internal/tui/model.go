package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/lawlens/entitlements_monitor/internal/entitlements"
)

// Store is the part of entitlements.Store the interface drives.
type Store interface {
	Refresh(ctx context.Context, opts entitlements.RefreshOptions) entitlements.RefreshResult
	Subscribe() (<-chan entitlements.State, func())
}

type Options struct {
	Store     Store
	Interval  time.Duration
	NoColor   bool
	AltScreen bool
	// Identity labels the header with who the session belongs to.
	Identity func() string
	// Context scopes refreshes started from the interface.
	Context context.Context
}

type Model struct {
	store    Store
	ctx      context.Context
	interval time.Duration
	identity func() string

	updates     <-chan entitlements.State
	unsubscribe func()

	width  int
	height int

	now time.Time

	state       entitlements.State
	lastResult  string
	nextFetchAt time.Time

	styles styles
}

type styles struct {
	title   lipgloss.Style
	dim     lipgloss.Style
	panel   lipgloss.Style
	label   lipgloss.Style
	value   lipgloss.Style
	ok      lipgloss.Style
	warn    lipgloss.Style
	bad     lipgloss.Style
	accent  lipgloss.Style
	error   lipgloss.Style
	loading lipgloss.Style
}

type pollTickMsg struct {
	at time.Time
}

type clockTickMsg struct {
	at time.Time
}

type stateMsg struct {
	state entitlements.State
}

type storeClosedMsg struct{}

type refreshDoneMsg struct {
	result entitlements.RefreshResult
}

const defaultInterval = 60 * time.Second

func NewModel(opts Options) Model {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now().UTC()

	m := Model{
		store:       opts.Store,
		ctx:         ctx,
		interval:    interval,
		identity:    opts.Identity,
		now:         now,
		nextFetchAt: now.Add(interval),
		styles:      defaultStyles(opts.NoColor),
		unsubscribe: func() {},
	}
	if opts.Store != nil {
		m.updates, m.unsubscribe = opts.Store.Subscribe()
	}
	return m
}

func defaultStyles(noColor bool) styles {
	basePanel := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	if noColor {
		plain := lipgloss.NewStyle()
		bold := lipgloss.NewStyle().Bold(true)
		return styles{
			title:   bold,
			dim:     plain,
			panel:   basePanel,
			label:   bold,
			value:   plain,
			ok:      bold,
			warn:    bold,
			bad:     bold,
			accent:  bold,
			error:   bold,
			loading: plain,
		}
	}
	return styles{
		title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("230")).Background(lipgloss.Color("24")).Padding(0, 1),
		dim:     lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		panel:   basePanel.BorderForeground(lipgloss.Color("61")),
		label:   lipgloss.NewStyle().Foreground(lipgloss.Color("109")),
		value:   lipgloss.NewStyle().Foreground(lipgloss.Color("255")),
		ok:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42")),
		warn:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214")),
		bad:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
		accent:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("81")),
		error:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203")),
		loading: lipgloss.NewStyle().Foreground(lipgloss.Color("117")),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		waitForState(m.updates),
		refreshCmd(m.ctx, m.store, entitlements.RefreshOptions{}),
		pollCmd(m.interval),
		clockCmd(),
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch v := msg.(type) {
	case tea.KeyMsg:
		switch v.String() {
		case "ctrl+c", "q":
			m.unsubscribe()
			return m, tea.Quit
		case "r":
			return m, refreshCmd(m.ctx, m.store, entitlements.RefreshOptions{})
		case "R":
			return m, refreshCmd(m.ctx, m.store, entitlements.RefreshOptions{ForceLoading: true})
		}
	case tea.WindowSizeMsg:
		m.width = v.Width
		m.height = v.Height
	case pollTickMsg:
		m.nextFetchAt = v.at.UTC().Add(m.interval)
		cmds := []tea.Cmd{pollCmd(m.interval)}
		if m.pollDue() {
			cmds = append(cmds, refreshCmd(m.ctx, m.store, entitlements.RefreshOptions{}))
		}
		return m, tea.Batch(cmds...)
	case clockTickMsg:
		m.now = v.at.UTC()
		return m, clockCmd()
	case stateMsg:
		m.state = v.state
		return m, waitForState(m.updates)
	case storeClosedMsg:
		return m, tea.Quit
	case refreshDoneMsg:
		m.lastResult = v.result.String()
		return m, nil
	}
	return m, nil
}

// pollDue is false while a refresh is in flight; manual refreshes still
// supersede it.
func (m Model) pollDue() bool {
	return !m.state.Loading && !m.state.Refreshing
}

func (m Model) View() string {
	if m.width <= 0 || m.height <= 0 {
		return "initializing..."
	}

	header := m.renderHeader()
	body := m.renderBody()
	exitHint := m.styles.dim.Render("r refresh  R reload  q/Ctrl+C exit")

	top := lipgloss.JoinVertical(lipgloss.Left, header, body, "")
	combined := pinFooterToBottom(top, exitHint, m.height)
	return clipToViewport(combined, m.width, m.height)
}

func (m Model) renderHeader() string {
	title := m.styles.title.Render(" law lens entitlements ")

	stateText, stateStyle := m.statusText()
	left := title + "  " + m.styles.label.Render("state: ") + stateStyle.Render(stateText)
	if !m.nextFetchAt.IsZero() {
		left += " " + m.styles.dim.Render("[next refresh in "+humanDuration(m.nextFetchAt.Sub(m.now))+"]")
	}
	right := m.styles.dim.Render("utc " + m.now.Format("2006-01-02 15:04:05"))
	return joinWithPaddingKeepRight(left, right, m.width)
}

func (m Model) statusText() (string, lipgloss.Style) {
	switch {
	case m.state.Loading:
		return "loading", m.styles.loading
	case m.state.Refreshing:
		return "refreshing", m.styles.loading
	case m.state.Err != "":
		return "fallback", m.styles.bad
	case m.state.Snapshot != nil:
		return "healthy", m.styles.ok
	default:
		return "idle", m.styles.dim
	}
}

func (m Model) renderBody() string {
	contentWidth := max(20, m.width-4)
	if m.state.Snapshot == nil {
		msg := m.styles.loading.Render("loading entitlements...")
		if m.state.Err != "" && !m.state.Loading {
			msg = m.styles.error.Render("last error: " + m.state.Err)
		}
		return m.styles.panel.Width(contentWidth).Render(msg)
	}

	snap := m.state.Snapshot
	planPanel := m.renderPlanPanel(snap, contentWidth)
	usageBlock := m.renderUsageBlock(snap, contentWidth)

	statusLines := m.renderStatusLines()
	maxMetaWidth := max(8, contentWidth-4)
	for i := range statusLines {
		statusLines[i] = ansi.Truncate(statusLines[i], maxMetaWidth, "...")
	}
	statusPanel := m.styles.panel.Width(contentWidth).Render(strings.Join(statusLines, "\n"))

	return lipgloss.JoinVertical(lipgloss.Left, planPanel, usageBlock, statusPanel)
}

func (m Model) renderPlanPanel(snap *entitlements.Snapshot, width int) string {
	who := "anonymous"
	if m.identity != nil {
		if id := strings.TrimSpace(m.identity()); id != "" {
			who = id
		}
	}
	lines := []string{
		m.styles.accent.Render("plan [" + who + "]"),
		m.styles.label.Render("tier: ") + m.styles.value.Render(string(snap.Tier)),
		m.styles.label.Render("period: ") + m.styles.value.Render(formatPeriod(snap.PeriodStart, snap.PeriodEnd)),
		m.styles.label.Render("features: ") + m.renderFeatures(snap.Features),
	}
	maxWidth := max(4, width-4)
	for i := range lines {
		lines[i] = ansi.Truncate(lines[i], maxWidth, "...")
	}
	return m.styles.panel.Width(width).Render(strings.Join(lines, "\n"))
}

func (m Model) renderFeatures(features map[string]bool) string {
	if len(features) == 0 {
		return m.styles.dim.Render("none")
	}
	keys := sortedKeys(features)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if features[k] {
			parts = append(parts, m.styles.ok.Render("+"+k))
		} else {
			parts = append(parts, m.styles.dim.Render("-"+k))
		}
	}
	return strings.Join(parts, " ")
}

func (m Model) renderUsageBlock(snap *entitlements.Snapshot, contentWidth int) string {
	keys := sortedKeys(snap.Usage)
	if len(keys) == 0 {
		return m.styles.panel.Width(contentWidth).Render(m.styles.dim.Render("no usage data"))
	}

	if contentWidth < 94 {
		panels := make([]string, 0, len(keys))
		for _, k := range keys {
			panels = append(panels, m.renderUsagePanel(k, snap.Usage[k], contentWidth))
		}
		return lipgloss.JoinVertical(lipgloss.Left, panels...)
	}

	panelOverhead := horizontalOverhead(m.styles.panel)
	panelWidth, spacerWidth := splitEqualPanelContentWidths(contentWidth, panelOverhead)
	spacer := strings.Repeat(" ", spacerWidth)
	rows := make([]string, 0, (len(keys)+1)/2)
	for i := 0; i < len(keys); i += 2 {
		left := m.renderUsagePanel(keys[i], snap.Usage[keys[i]], panelWidth)
		if i+1 >= len(keys) {
			rows = append(rows, left)
			continue
		}
		right := m.renderUsagePanel(keys[i+1], snap.Usage[keys[i+1]], panelWidth)
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top, left, spacer, right))
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

func (m Model) renderUsagePanel(key string, rec entitlements.UsageRecord, maxWidth int) string {
	title := rec.DisplayName
	if title == "" {
		title = key
	}

	var used, remaining string
	var usedStyle lipgloss.Style
	switch {
	case rec.IsUnlimited:
		used = fmt.Sprintf("%d / unlimited", rec.Current)
		remaining = "unlimited"
		usedStyle = m.styles.ok
	case rec.Limit != nil && *rec.Limit == 0:
		used = "locked"
		remaining = "0"
		usedStyle = m.styles.dim
	default:
		limit := int64(0)
		if rec.Limit != nil {
			limit = *rec.Limit
		}
		used = fmt.Sprintf("%d / %d (%.0f%%)", rec.Current, limit, rec.PercentUsed())
		if rec.Remaining != nil {
			remaining = fmt.Sprintf("%d", *rec.Remaining)
		}
		usedStyle = percentStyle(rec.PercentUsed(), rec.IsAtLimit, m.styles)
	}

	lines := []string{
		m.styles.accent.Render(title),
		m.styles.label.Render("used: ") + usedStyle.Render(used),
		m.styles.label.Render("remaining: ") + m.styles.value.Render(remaining),
		m.styles.dim.Render(progressBar(rec, max(4, maxWidth-4))),
	}
	for i := range lines {
		lines[i] = ansi.Truncate(lines[i], max(4, maxWidth), "...")
	}
	return m.styles.panel.Width(max(20, maxWidth)).Render(strings.Join(lines, "\n"))
}

type statusLine struct {
	level string
	name  string
	value string
}

func (m Model) renderStatusLines() []string {
	checks := []statusLine{m.refreshStatusLine()}
	for _, alert := range entitlements.UsageAlerts(m.state, entitlements.DefaultWarnPercent) {
		level := "warning"
		value := fmt.Sprintf("%.0f%% used", alert.Percentage)
		if alert.Level == entitlements.AlertLimit {
			level = "error"
			value = "limit reached"
		}
		checks = append(checks, statusLine{level: level, name: alert.DisplayName, value: value})
	}

	out := make([]string, 0, len(checks))
	for _, line := range checks {
		rendered := fmt.Sprintf("%s [%s]: %s", line.level, line.name, line.value)
		switch line.level {
		case "error":
			out = append(out, m.styles.error.Render(rendered))
		case "warning":
			out = append(out, m.styles.warn.Render(rendered))
		default:
			out = append(out, m.styles.ok.Render(rendered))
		}
	}
	return out
}

func (m Model) refreshStatusLine() statusLine {
	if m.state.Err != "" {
		return statusLine{level: "error", name: "source", value: "free-tier fallback: " + m.state.Err}
	}
	if m.state.Refreshing {
		return statusLine{level: "status", name: "source", value: "revalidating"}
	}
	value := "ok"
	if !m.state.UpdatedAt.IsZero() {
		value = "updated " + humanDuration(m.now.Sub(m.state.UpdatedAt.UTC())) + " ago"
	}
	if m.lastResult != "" {
		value += " (last refresh " + m.lastResult + ")"
	}
	return statusLine{level: "status", name: "source", value: value}
}

func percentStyle(percent float64, atLimit bool, styles styles) lipgloss.Style {
	switch {
	case atLimit || percent >= 90:
		return styles.bad
	case percent >= 70:
		return styles.warn
	default:
		return styles.ok
	}
}

func progressBar(rec entitlements.UsageRecord, width int) string {
	if width < 4 {
		width = 4
	}
	inner := width - 2
	if rec.IsUnlimited {
		return "[" + strings.Repeat("~", inner) + "]"
	}
	filled := int(rec.PercentUsed() / 100 * float64(inner))
	if rec.IsAtLimit {
		filled = inner
	}
	filled = min(max(filled, 0), inner)
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", inner-filled) + "]"
}

func formatPeriod(start, end time.Time) string {
	if start.IsZero() && end.IsZero() {
		return "unknown"
	}
	const layout = "2006-01-02"
	return start.UTC().Format(layout) + " to " + end.UTC().Format(layout)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func pollCmd(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return pollTickMsg{at: t}
	})
}

func clockCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg {
		return clockTickMsg{at: t}
	})
}

func refreshCmd(ctx context.Context, store Store, opts entitlements.RefreshOptions) tea.Cmd {
	if store == nil {
		return nil
	}
	return func() tea.Msg {
		result := store.Refresh(ctx, opts)
		return refreshDoneMsg{result: result}
	}
}

func waitForState(updates <-chan entitlements.State) tea.Cmd {
	if updates == nil {
		return nil
	}
	return func() tea.Msg {
		st, ok := <-updates
		if !ok {
			return storeClosedMsg{}
		}
		return stateMsg{state: st}
	}
}

func Run(opts Options) error {
	model := NewModel(opts)
	defer model.unsubscribe()

	progOpts := []tea.ProgramOption{}
	if opts.AltScreen {
		progOpts = append(progOpts, tea.WithAltScreen())
	}
	if opts.Context != nil {
		progOpts = append(progOpts, tea.WithContext(opts.Context))
	}
	prog := tea.NewProgram(model, progOpts...)
	_, err := prog.Run()
	return err
}

func joinWithPaddingKeepRight(left, right string, width int) string {
	if width <= 0 {
		return ""
	}
	rightWidth := lipgloss.Width(right)
	if rightWidth >= width {
		return truncateRunes(right, width)
	}
	left = truncateRunes(left, max(0, width-rightWidth-1))
	padding := max(1, width-lipgloss.Width(left)-rightWidth)
	return left + strings.Repeat(" ", padding) + right
}

func truncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	return ansi.Truncate(s, maxRunes, "")
}

func clipToViewport(s string, width, height int) string {
	if width <= 0 || height <= 0 {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > height {
		lines = lines[:height]
	}
	for i := range lines {
		lines[i] = truncateRunes(lines[i], width)
		if pad := width - lipgloss.Width(lines[i]); pad > 0 {
			lines[i] += strings.Repeat(" ", pad)
		}
	}
	for len(lines) < height {
		lines = append(lines, strings.Repeat(" ", width))
	}
	return strings.Join(lines, "\n")
}

// pinFooterToBottom pads or trims top so footer lands on the last rows.
func pinFooterToBottom(top, footer string, height int) string {
	if height <= 0 {
		return ""
	}
	var footerLines, topLines []string
	if footer != "" {
		footerLines = strings.Split(footer, "\n")
	}
	if top != "" {
		topLines = strings.Split(top, "\n")
	}

	maxTopLines := max(0, height-len(footerLines))
	if len(topLines) > maxTopLines {
		topLines = topLines[:maxTopLines]
	}
	for len(topLines) < maxTopLines {
		topLines = append(topLines, "")
	}
	return strings.Join(append(topLines, footerLines...), "\n")
}

func humanDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	switch {
	case d < time.Second:
		return "<1s"
	case d < time.Minute:
		return d.String()
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd%dh", int(d.Hours())/24, int(d.Hours())%24)
	}
}

func splitEqualPanelContentWidths(contentWidth, panelOverhead int) (panelWidth int, spacerWidth int) {
	if contentWidth <= 0 {
		return 0, 0
	}
	// 2*(panel content + overhead) + spacer == full-width panel outer width.
	usable := contentWidth - panelOverhead
	if usable < 3 {
		return 1, 1
	}
	spacerWidth = 1
	if usable%2 == 0 {
		spacerWidth = 2
	}
	return max(1, (usable-spacerWidth)/2), spacerWidth
}

func horizontalOverhead(style lipgloss.Style) int {
	const probeWidth = 40
	return max(0, lipgloss.Width(style.Width(probeWidth).Render(""))-probeWidth)
}

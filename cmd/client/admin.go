// Package main – admin subcommand: live replication table rendered with bubbletea + lipgloss.
package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	adminpb "github.com/i-melnichenko/kvx/pkg/api/adminv1"
)

const adminRefreshInterval = 500 * time.Millisecond

// ---- Data types -------------------------------------------------------------

type adminConn struct {
	addr   string
	conn   *grpc.ClientConn
	client adminpb.AdminServiceClient
}

type adminRow struct {
	addr      string
	nodeID    string
	role      string
	status    string
	offset    int64
	lag       int64 // replica: primary offset minus own offset, -1 if unknown
	keys      int64
	usedMem   int64
	maxMem    int64
	expired   uint64
	link      string
	linkErr   string
	lastSync  time.Time
	replicas  string
	journal   string
	commands  uint64
	failed    uint64
	primaryOf string
	err       string
}

// ---- Bubbletea messages -----------------------------------------------------

type tickMsg time.Time

type rowsMsg struct {
	rows []adminRow
	ts   time.Time
}

// ---- Lipgloss styles --------------------------------------------------------

type uiStyles struct {
	dotHealthy  lipgloss.Style
	dotDegraded lipgloss.Style
	dotUnavail  lipgloss.Style
	dotSelected lipgloss.Style
	addr        lipgloss.Style
	rolePrimary lipgloss.Style
	roleReplica lipgloss.Style
	metric      lipgloss.Style
	lagHigh     lipgloss.Style
	linkUp      lipgloss.Style
	linkDown    lipgloss.Style
	tableHeader lipgloss.Style
	appHeader   lipgloss.Style
	tsStyle     lipgloss.Style
	footer      lipgloss.Style
	divider     lipgloss.Style
	alertsHdr   lipgloss.Style
	errorDot    lipgloss.Style
	paneLabel   lipgloss.Style
	paneValue   lipgloss.Style
	sumDim      lipgloss.Style
	sumHealthy  lipgloss.Style
	sumErrors   lipgloss.Style
}

var styles = buildStyles()

func buildStyles() uiStyles {
	// "1"=red "2"=green "3"=yellow "4"=blue "6"=cyan "7"=white "8"=bright-black
	return uiStyles{
		dotHealthy:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("2")),
		dotDegraded: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("3")),
		dotUnavail:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1")),
		dotSelected: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6")),
		addr:        lipgloss.NewStyle().Faint(true).Foreground(lipgloss.Color("6")),
		rolePrimary: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("2")),
		roleReplica: lipgloss.NewStyle().Foreground(lipgloss.Color("4")),
		metric:      lipgloss.NewStyle().Faint(true),
		lagHigh:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("3")),
		linkUp:      lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		linkDown:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1")),
		tableHeader: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("7")).Background(lipgloss.Color("8")),
		appHeader:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6")),
		tsStyle:     lipgloss.NewStyle().Faint(true),
		footer:      lipgloss.NewStyle().Faint(true),
		divider:     lipgloss.NewStyle().Faint(true),
		alertsHdr:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("3")),
		errorDot:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1")),
		paneLabel:   lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
		paneValue:   lipgloss.NewStyle().Faint(true),
		sumDim:      lipgloss.NewStyle().Faint(true),
		sumHealthy:  lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		sumErrors:   lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
	}
}

// lagWarnEntries highlights replicas this far behind their primary.
const lagWarnEntries = 1000

// ---- Column widths ----------------------------------------------------------

type adminColWidths struct {
	addr int
	node int
}

// Fixed columns: ST(2) ROLE(7) OFFSET(9) LAG(7) KEYS(8) MEM(10) EXP(8) LINK(4)
// plus 9 separating spaces.
const adminFixedWidth = 2 + 7 + 9 + 7 + 8 + 10 + 8 + 4 + 9

func adminColumnsForWidth(rows []adminRow, contentWidth int) adminColWidths {
	maxAddr := len("ADDR")
	maxNode := len("NODE")
	for _, r := range rows {
		maxAddr = maxInt(maxAddr, len(r.addr))
		maxNode = maxInt(maxNode, len(r.nodeID))
	}
	col := adminColWidths{
		addr: clampInt(maxAddr, 8, 22),
		node: clampInt(maxNode, 4, 12),
	}
	if over := col.addr + col.node + adminFixedWidth - contentWidth; over > 0 {
		col.addr = maxInt(4, col.addr-over)
	}
	return col
}

// ---- Cell renderers ---------------------------------------------------------

func renderStatusDot(r adminRow, selected bool) string {
	if selected {
		return styles.dotSelected.Render(">")
	}
	switch {
	case r.err != "":
		return styles.dotUnavail.Render("●")
	case r.status == "healthy":
		return styles.dotHealthy.Render("●")
	default:
		return styles.dotDegraded.Render("●")
	}
}

func renderRoleCell(role string) string {
	cell := pad(role, 7)
	switch role {
	case "primary":
		return styles.rolePrimary.Render(cell)
	case "replica":
		return styles.roleReplica.Render(cell)
	default:
		return styles.metric.Render(cell)
	}
}

func renderLagCell(r adminRow) string {
	if r.role != "replica" || r.lag < 0 {
		return styles.metric.Render(padLeft("-", 7))
	}
	cell := padLeft(fmt.Sprintf("%d", r.lag), 7)
	if r.lag >= lagWarnEntries {
		return styles.lagHigh.Render(cell)
	}
	return styles.metric.Render(cell)
}

func renderLinkCell(r adminRow) string {
	switch r.link {
	case "up":
		return styles.linkUp.Render(pad("up", 4))
	case "down":
		return styles.linkDown.Render(pad("down", 4))
	default:
		return styles.metric.Render(pad("-", 4))
	}
}

func renderMemCell(r adminRow) string {
	if r.err != "" {
		return styles.metric.Render(padLeft("-", 10))
	}
	return styles.metric.Render(padLeft(humanize.IBytes(uint64(maxInt64(r.usedMem, 0))), 10))
}

func makeTableRow(r adminRow, cols adminColWidths, selected bool) string {
	if r.err != "" {
		return strings.Join([]string{
			renderStatusDot(r, selected) + " ",
			styles.addr.Render(pad(r.addr, cols.addr)),
			styles.errorDot.Render(errorSummary(r.err)),
		}, " ")
	}
	return strings.Join([]string{
		renderStatusDot(r, selected) + " ",
		styles.addr.Render(pad(r.addr, cols.addr)),
		pad(r.nodeID, cols.node),
		renderRoleCell(r.role),
		styles.metric.Render(padLeft(fmt.Sprintf("%d", r.offset), 9)),
		renderLagCell(r),
		styles.metric.Render(padLeft(humanize.Comma(r.keys), 8)),
		renderMemCell(r),
		styles.metric.Render(padLeft(humanize.Comma(int64(r.expired)), 8)),
		renderLinkCell(r),
	}, " ")
}

func renderHeader(cols adminColWidths, contentWidth int) string {
	line := strings.Join([]string{
		"ST",
		pad("ADDR", cols.addr),
		pad("NODE", cols.node),
		pad("ROLE", 7),
		padLeft("OFFSET", 9),
		padLeft("LAG", 7),
		padLeft("KEYS", 8),
		padLeft("MEM", 10),
		padLeft("EXPIRED", 8),
		pad("LINK", 4),
	}, " ")
	return styles.tableHeader.Render(pad(line, maxInt(len(line), contentWidth)))
}

func renderSummary(rows []adminRow) string {
	var healthy, errs, primaries, replicas int
	for _, r := range rows {
		switch {
		case r.err != "":
			errs++
			continue
		case r.status == "healthy":
			healthy++
		}
		switch r.role {
		case "primary":
			primaries++
		case "replica":
			replicas++
		}
	}
	parts := []string{
		styles.sumDim.Render(fmt.Sprintf("nodes %d", len(rows))),
		styles.sumHealthy.Render(fmt.Sprintf("healthy %d", healthy)),
		styles.sumDim.Render(fmt.Sprintf("primaries %d", primaries)),
		styles.sumDim.Render(fmt.Sprintf("replicas %d", replicas)),
	}
	if errs > 0 {
		parts = append(parts, styles.sumErrors.Render(fmt.Sprintf("errors %d", errs)))
	}
	return "  " + strings.Join(parts, styles.sumDim.Render(" · "))
}

func buildAlertLines(rows []adminRow, contentWidth int) []string {
	var lines []string
	add := func(format string, args ...any) {
		msg := shorten(fmt.Sprintf(format, args...), maxInt(10, contentWidth-4))
		lines = append(lines, "  "+styles.errorDot.Render("!")+" "+msg)
	}
	primaries := 0
	for _, r := range rows {
		if r.err == "" && r.role == "primary" {
			primaries++
		}
	}
	if len(rows) > 0 && primaries == 0 {
		add("no reachable primary")
	}
	if primaries > 1 {
		add("%d nodes report the primary role", primaries)
	}
	for _, r := range rows {
		switch {
		case r.err != "":
			add("%s unreachable: %s", r.addr, errorSummary(r.err))
		case r.link == "down":
			msg := fmt.Sprintf("%s replication link to %s is down", r.nodeID, r.primaryOf)
			if r.linkErr != "" {
				msg += ": " + r.linkErr
			}
			add("%s", msg)
		case r.maxMem > 0 && r.usedMem > r.maxMem:
			add("%s is over max memory (%s of %s)", r.nodeID,
				humanize.IBytes(uint64(r.usedMem)), humanize.IBytes(uint64(r.maxMem)))
		}
	}
	return lines
}

// ---- Bubbletea model --------------------------------------------------------

type adminModel struct {
	rows       []adminRow
	ts         time.Time
	conns      []adminConn
	timeout    time.Duration
	width      int
	height     int
	cursor     int
	scrollOff  int
	selectedID string
	cols       adminColWidths
}

func newAdminModel(conns []adminConn, timeout time.Duration) adminModel {
	return adminModel{
		conns:   conns,
		timeout: timeout,
		width:   120,
		height:  40,
	}
}

func (m adminModel) Init() tea.Cmd {
	// One poll in flight at a time: rowsMsg schedules the next tick.
	return m.pollCmd()
}

func (m adminModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.recalcCols()
		return m, nil

	case tickMsg:
		return m, m.pollCmd()

	case rowsMsg:
		m.rows = msg.rows
		m.ts = msg.ts
		m.recalcCols()
		m.restoreSelection()
		tickFn := func(t time.Time) tea.Msg { return tickMsg(t) }
		return m, tea.Tick(adminRefreshInterval, tickFn)

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "up", "k":
			m.moveCursor(-1)
		case "down", "j":
			m.moveCursor(1)
		}
	}
	return m, nil
}

func (m adminModel) View() string {
	contentWidth := m.width - 2
	if contentWidth <= 0 {
		contentWidth = 80
	}

	var b strings.Builder

	b.WriteString("  ")
	b.WriteString(styles.appHeader.Render("kvx admin"))
	b.WriteString("  ")
	b.WriteString(styles.tsStyle.Render(m.ts.Format(time.RFC3339)))
	b.WriteString("\n")
	b.WriteString(renderSummary(m.rows))
	b.WriteString("\n\n")

	b.WriteString(renderHeader(m.cols, contentWidth))
	b.WriteString("\n")
	visRows := m.visibleRowCount()
	end := minInt(m.scrollOff+visRows, len(m.rows))
	for i := m.scrollOff; i < end; i++ {
		b.WriteString(makeTableRow(m.rows[i], m.cols, i == m.cursor))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	for _, line := range m.detailLines(contentWidth) {
		b.WriteString(line)
		b.WriteString("\n")
	}

	if alerts := buildAlertLines(m.rows, contentWidth); len(alerts) > 0 {
		b.WriteString(styles.divider.Render(strings.Repeat("-", contentWidth)))
		b.WriteString("\n")
		b.WriteString(styles.alertsHdr.Render("Alerts"))
		b.WriteString("\n")
		for _, line := range alerts {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	b.WriteString("\n  ")
	b.WriteString(styles.footer.Render("↑/↓ select · q to exit"))

	// Pad to the terminal height so a shorter frame overwrites stale lines.
	out := b.String()
	if m.height > 0 {
		lines := strings.Split(out, "\n")
		for len(lines) < m.height {
			lines = append(lines, "")
		}
		return strings.Join(lines, "\n")
	}
	return out
}

// detailLines renders the pane for the selected node.
func (m adminModel) detailLines(contentWidth int) []string {
	if m.cursor < 0 || m.cursor >= len(m.rows) || m.rows[m.cursor].err != "" {
		return []string{"  " + styles.paneLabel.Render("details:") + " " + styles.paneValue.Render("-")}
	}
	r := m.rows[m.cursor]
	width := maxInt(10, contentWidth-14)
	line := func(label, value string) string {
		if value == "" {
			value = "-"
		}
		return "  " + styles.paneLabel.Render(pad(label+":", 10)) + " " + styles.paneValue.Render(shorten(value, width))
	}

	var lines []string
	switch r.role {
	case "primary":
		lines = append(lines, line("replicas", r.replicas))
		lines = append(lines, line("journal", r.journal))
	case "replica":
		synced := "never"
		if !r.lastSync.IsZero() {
			synced = humanize.Time(r.lastSync)
		}
		lines = append(lines, line("primary", r.primaryOf))
		lines = append(lines, line("last sync", synced))
	}
	mem := humanize.IBytes(uint64(maxInt64(r.usedMem, 0)))
	if r.maxMem > 0 {
		mem += " / " + humanize.IBytes(uint64(r.maxMem))
	}
	lines = append(lines, line("memory", mem))
	lines = append(lines, line("commands", fmt.Sprintf("%s total, %s failed",
		humanize.Comma(int64(r.commands)), humanize.Comma(int64(r.failed)))))
	return lines
}

// ---- Model helpers ----------------------------------------------------------

func (m *adminModel) recalcCols() {
	contentWidth := m.width - 2
	if contentWidth <= 0 {
		contentWidth = 80
	}
	m.cols = adminColumnsForWidth(m.rows, contentWidth)
}

func (m *adminModel) restoreSelection() {
	if m.selectedID == "" {
		if len(m.rows) > 0 {
			m.cursor = 0
			m.selectedID = m.rows[0].addr
		}
		return
	}
	for i, r := range m.rows {
		if r.addr == m.selectedID {
			m.cursor = i
			m.clampScroll()
			return
		}
	}
	if m.cursor >= len(m.rows) {
		m.cursor = maxInt(0, len(m.rows)-1)
	}
	if len(m.rows) > 0 {
		m.selectedID = m.rows[m.cursor].addr
	}
}

func (m *adminModel) moveCursor(delta int) {
	if len(m.rows) == 0 {
		return
	}
	m.cursor = clampInt(m.cursor+delta, 0, len(m.rows)-1)
	m.clampScroll()
	m.selectedID = m.rows[m.cursor].addr
}

func (m *adminModel) clampScroll() {
	visRows := m.visibleRowCount()
	if m.cursor < m.scrollOff {
		m.scrollOff = m.cursor
	} else if m.cursor >= m.scrollOff+visRows {
		m.scrollOff = m.cursor - visRows + 1
	}
	if m.scrollOff < 0 {
		m.scrollOff = 0
	}
}

func (m adminModel) visibleRowCount() int {
	// title, summary, blank, header, blank, four detail lines, blank, footer
	return maxInt(2, m.height-13)
}

func (m adminModel) pollCmd() tea.Cmd {
	conns := m.conns
	timeout := m.timeout
	return func() tea.Msg {
		rows, ts := pollAdminRows(context.Background(), conns, timeout)
		return rowsMsg{rows: rows, ts: ts}
	}
}

// ---- Polling ----------------------------------------------------------------

func cmdAdmin(addrs []string, timeout time.Duration) error {
	if len(addrs) == 0 {
		return fmt.Errorf("no addresses provided")
	}
	conns, err := openAdminConns(addrs)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range conns {
			_ = c.conn.Close()
		}
	}()

	p := tea.NewProgram(newAdminModel(conns, timeout), tea.WithAltScreen())
	_, err = p.Run()
	return err
}

func openAdminConns(addrs []string) ([]adminConn, error) {
	conns := make([]adminConn, 0, len(addrs))
	for _, addr := range addrs {
		conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			for _, c := range conns {
				_ = c.conn.Close()
			}
			return nil, fmt.Errorf("dial admin %s: %w", addr, err)
		}
		conns = append(conns, adminConn{
			addr:   addr,
			conn:   conn,
			client: adminpb.NewAdminServiceClient(conn),
		})
	}
	return conns, nil
}

func pollAdminRows(ctx context.Context, conns []adminConn, timeout time.Duration) ([]adminRow, time.Time) {
	rows := make([]adminRow, len(conns))
	var wg sync.WaitGroup
	wg.Add(len(conns))

	for i, c := range conns {
		go func(i int, c adminConn) {
			defer wg.Done()

			reqCtx, cancel := context.WithTimeout(ctx, timeout)
			resp, err := c.client.GetNodeInfo(reqCtx, &adminpb.GetNodeInfoRequest{})
			cancel()
			switch {
			case err != nil:
				rows[i] = adminRow{addr: c.addr, err: err.Error()}
			case resp == nil || resp.Node == nil:
				rows[i] = adminRow{addr: c.addr, err: "empty node info"}
			default:
				rows[i] = rowFromNode(c.addr, resp.Node)
			}
		}(i, c)
	}
	wg.Wait()

	fillReplicaLag(rows)
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].role != rows[j].role {
			return roleRank(rows[i].role) < roleRank(rows[j].role)
		}
		return rows[i].addr < rows[j].addr
	})
	return rows, time.Now()
}

func rowFromNode(addr string, node *adminpb.NodeInfo) adminRow {
	row := adminRow{
		addr:    addr,
		nodeID:  node.NodeId,
		role:    trimEnum(node.Role.String(), "NODE_ROLE_"),
		status:  trimEnum(node.Status.String(), "NODE_STATUS_"),
		offset:  node.Offset,
		lag:     -1,
		keys:    node.Keys,
		usedMem: node.UsedMemoryBytes,
		maxMem:  node.MaxMemoryBytes,
		expired: node.ExpiredKeys,
	}
	if node.Stats != nil {
		row.commands = node.Stats.Total
		row.failed = node.Stats.Failed
	}
	if p := node.Primary; p != nil {
		row.replicas = formatReplicaList(p.Replicas)
	}
	if j := node.Journal; j != nil {
		row.journal = fmt.Sprintf("%s (offset %d, %d entries since snapshot %d)",
			j.Path, j.Offset, j.Entries, j.SnapshotOffset)
	}
	if l := node.Replica; l != nil {
		row.primaryOf = l.PrimaryAddr
		row.linkErr = l.LastError
		row.lastSync = l.LastSyncAt
		row.link = "down"
		if l.Up {
			row.link = "up"
		}
	}
	return row
}

// fillReplicaLag computes replica lag against the polled primary. Rows
// without a reachable primary keep lag -1.
func fillReplicaLag(rows []adminRow) {
	primaryOffset := int64(-1)
	for _, r := range rows {
		if r.err == "" && r.role == "primary" {
			primaryOffset = maxInt64(primaryOffset, r.offset)
		}
	}
	if primaryOffset < 0 {
		return
	}
	for i := range rows {
		if rows[i].err == "" && rows[i].role == "replica" {
			rows[i].lag = maxInt64(0, primaryOffset-rows[i].offset)
		}
	}
}

func formatReplicaList(replicas []*adminpb.ReplicaInfo) string {
	items := make([]string, 0, len(replicas))
	for _, r := range replicas {
		if r == nil {
			continue
		}
		name := r.ReplicaId
		if r.Addr != "" {
			name += "@" + r.Addr
		}
		items = append(items, fmt.Sprintf("%s lag=%d", name, r.Lag))
	}
	return strings.Join(items, ", ")
}

func roleRank(role string) int {
	switch role {
	case "primary":
		return 0
	case "replica":
		return 1
	default:
		return 2
	}
}

func errorSummary(err string) string {
	// gRPC errors read "rpc error: code = Unavailable desc = ..."
	if _, desc, ok := strings.Cut(err, "desc = "); ok {
		return desc
	}
	return err
}

func trimEnum(s, prefix string) string {
	return strings.ToLower(strings.TrimPrefix(s, prefix))
}

func shorten(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

func pad(s string, width int) string {
	s = shorten(s, width)
	return s + strings.Repeat(" ", maxInt(0, width-len(s)))
}

func padLeft(s string, width int) string {
	s = shorten(s, width)
	return strings.Repeat(" ", maxInt(0, width-len(s))) + s
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

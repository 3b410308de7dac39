package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"miqo-core/internal/bridge"
)

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// 彩色输出工具
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

var (
	// 颜色函数
	colorSuccess = color.New(color.FgGreen).SprintFunc()
	colorError   = color.New(color.FgRed).SprintFunc()
	colorWarning = color.New(color.FgYellow).SprintFunc()
	colorInfo    = color.New(color.FgCyan).SprintFunc()
	colorTopic   = color.New(color.FgMagenta).SprintFunc()
	colorBold    = color.New(color.Bold).SprintFunc()
	colorFaint   = color.New(color.Faint).SprintFunc()
)

// 单行 payload 的最大显示长度
const payloadWidth = 120

// Output 提供结构化的输出接口
//
// 引擎事件在后台 goroutine 中打印，写入由互斥锁串行化。
type Output struct {
	mu      sync.Mutex
	w       io.Writer
	noColor bool
}

// NewOutput 创建输出工具
func NewOutput(w io.Writer, noColor bool) *Output {
	color.NoColor = noColor
	return &Output{w: w, noColor: noColor}
}

// SetWriter 切换输出目标（交互模式下切到 readline 的 stdout）
func (o *Output) SetWriter(w io.Writer) {
	o.mu.Lock()
	o.w = w
	o.mu.Unlock()
}

func (o *Output) printf(format string, args ...interface{}) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintf(o.w, format, args...)
}

// Success 输出成功消息
func (o *Output) Success(format string, args ...interface{}) {
	o.printf("%s %s\n", colorSuccess("✔"), fmt.Sprintf(format, args...))
}

// Error 输出错误消息
func (o *Output) Error(format string, args ...interface{}) {
	o.printf("%s %s\n", colorError("✘"), fmt.Sprintf(format, args...))
}

// Warning 输出警告消息
func (o *Output) Warning(format string, args ...interface{}) {
	o.printf("%s %s\n", colorWarning("!"), fmt.Sprintf(format, args...))
}

// Info 输出信息消息
func (o *Output) Info(format string, args ...interface{}) {
	o.printf("%s %s\n", colorInfo("i"), fmt.Sprintf(format, args...))
}

// Plain 输出普通消息（无颜色）
func (o *Output) Plain(format string, args ...interface{}) {
	o.printf(format+"\n", args...)
}

// Header 输出标题
func (o *Output) Header(title string) {
	o.printf("\n%s\n%s\n\n", colorBold(title), strings.Repeat("━", len(title)))
}

// KeyValue 输出键值对
func (o *Output) KeyValue(key, value string) {
	o.printf("  %-20s %s\n", colorBold(key+":"), value)
}

// Separator 输出分隔线
func (o *Output) Separator() {
	o.printf("%s\n", colorFaint(strings.Repeat("━", 80)))
}

// Packet 单行输出一条 MQTT 消息
func (o *Output) Packet(p bridge.Packet) {
	o.printf("%s %s %s\n",
		colorFaint(FormatTime(p.Timestamp)),
		colorTopic(p.Topic),
		Truncate(SingleLine(p.Payload), payloadWidth))
}

// Table 渲染表格
func (o *Output) Table(t *Table) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t.Render(o.w)
}

// Table 简单的对齐表格
type Table struct {
	headers []string
	rows    [][]string
	widths  []int
}

// NewTable 创建新表格
func NewTable(headers ...string) *Table {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	return &Table{
		headers: headers,
		rows:    make([][]string, 0),
		widths:  widths,
	}
}

// AddRow 添加行
func (t *Table) AddRow(cols ...string) {
	for i, col := range cols {
		if i < len(t.widths) && len(col) > t.widths[i] {
			t.widths[i] = len(col)
		}
	}
	t.rows = append(t.rows, cols)
}

// Len 数据行数
func (t *Table) Len() int {
	return len(t.rows)
}

// Render 渲染表格
func (t *Table) Render(w io.Writer) {
	// 表头先补齐再着色，转义序列不计入宽度
	for i, header := range t.headers {
		fmt.Fprintf(w, "%s  ", colorBold(fmt.Sprintf("%-*s", t.widths[i], header)))
	}
	fmt.Fprintln(w)

	totalWidth := 0
	for _, width := range t.widths {
		totalWidth += width + 2
	}
	fmt.Fprintln(w, strings.Repeat("─", min(totalWidth, 120)))

	for _, row := range t.rows {
		for i, col := range row {
			if i < len(t.widths) {
				fmt.Fprintf(w, "%-*s  ", t.widths[i], col)
			}
		}
		fmt.Fprintln(w)
	}
}

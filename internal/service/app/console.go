package app

import (
	"context"
	"fmt"
	"time"

	"tacmesh/internal/model"
	"tacmesh/internal/utils/log"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

// Console is the operator's terminal UI. Event callbacks only queue lines, so
// a slow terminal never stalls the inbound worker.
type Console struct {
	app   *App
	ui    *tview.Application
	feed  *tview.TextView
	peers *tview.TextView
	input *tview.InputField
	lines chan string
}

func NewConsole(a *App) *Console {
	return &Console{app: a, ui: tview.NewApplication(), lines: make(chan string, 256)}
}

// Run blocks until the operator quits or ctx is cancelled.
func (c *Console) Run(ctx context.Context) error {
	c.feed = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.feed.SetBorder(true).SetTitle(fmt.Sprintf(" %s (%s) ", c.app.cfg.Device.Callsign, c.app.DeviceID()))

	c.peers = tview.NewTextView().SetDynamicColors(true)
	c.peers.SetBorder(true).SetTitle(" Peers ")

	c.input = tview.NewInputField().
		SetLabel("> ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" Command (/help) ")

	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		line := c.input.GetText()
		if line == "" {
			return
		}
		c.input.SetText("")
		if line == "/quit" {
			c.ui.Stop()
			return
		}

		go func(line string) {
			out, err := c.app.Execute(ctx, line)
			if err != nil {
				c.print("[red]%s[-]", tview.Escape(err.Error()))
				return
			}
			if out != "" {
				c.print("%s", tview.Escape(out))
			}
		}(line)
	})

	c.app.coord.Subscribe(c.onEvent)

	body := tview.NewFlex().
		AddItem(c.feed, 0, 3, false).
		AddItem(c.peers, 32, 0, false)
	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(body, 0, 1, false).
		AddItem(c.input, 3, 0, true)

	go func() {
		<-ctx.Done()
		c.ui.Stop()
	}()
	go c.refreshPeers(ctx)
	go c.pump(ctx)

	return c.ui.SetRoot(layout, true).SetFocus(c.input).Run()
}

func (c *Console) onEvent(ev model.Event) {
	switch e := ev.(type) {
	case model.MessageReceived:
		c.print("%s", describeMessage(c.app, e))
	case model.DeliveryChanged:
		c.print("[gray]%s[-]", tview.Escape(formatSummary(e.Summary)))
	case model.EntityChanged:
		if e.Deleted {
			c.print("[yellow]%s deleted[-]", e.ID)
		} else {
			c.print("[yellow]%s updated[-]", e.ID)
		}
	case model.ConnectionStateChanged:
		c.print("[blue]connection %s[-]", e.State)
	}
}

func describeMessage(a *App, e model.MessageReceived) string {
	m := e.Message
	from := m.Sender
	if p, ok := a.directory.Get(m.Sender); ok && p.DisplayName() != "" {
		from = p.DisplayName()
	}
	from = tview.Escape(from)

	switch p := m.Payload.(type) {
	case *model.Chat:
		return fmt.Sprintf("[green]%s:[-] %s [gray](%s via %s)[-]", from, tview.Escape(p.Text), m.ID, e.Transport)
	case *model.Report:
		return fmt.Sprintf("[green]%s report %s:[-] %s [gray](%s)[-]", from, tview.Escape(p.ReportType), tview.Escape(p.Body), m.ID)
	case *model.Order:
		return fmt.Sprintf("[green]%s order:[-] %s [gray](%s)[-]", from, tview.Escape(p.Title), m.ID)
	case *model.MethaneRequest:
		return fmt.Sprintf("[red]%s METHANE:[-] %s, %d casualties [gray](%s)[-]", from, tview.Escape(p.IncidentType), p.Casualties, m.ID)
	case *model.MedevacReport:
		return fmt.Sprintf("[red]%s MEDEVAC[-] at %.5f,%.5f [gray](%s)[-]", from, p.Location.Lat, p.Location.Lon, m.ID)
	case *model.Ack:
		return fmt.Sprintf("[gray]%s %s %s[-]", from, p.Type, p.SubjectID)
	}
	return fmt.Sprintf("%s: %s", from, m.Kind)
}

func (c *Console) refreshPeers(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		text := tview.Escape(c.app.cmdPeers())
		state := c.app.coord.ConnectionState()
		c.ui.QueueUpdateDraw(func() {
			c.peers.SetText(text)
			c.peers.SetTitle(fmt.Sprintf(" Peers [%s] ", state))
		})
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Console) print(format string, args ...any) {
	line := fmt.Sprintf("[white]%s[-] %s", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
	select {
	case c.lines <- line:
	default:
		log.Warn("console feed full, line dropped")
	}
}

func (c *Console) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-c.lines:
			c.ui.QueueUpdateDraw(func() {
				fmt.Fprintln(c.feed, line)
				c.feed.ScrollToEnd()
			})
		}
	}
}

// RunHeadless logs events instead of drawing them until ctx is cancelled.
func RunHeadless(ctx context.Context, a *App) {
	a.coord.Subscribe(func(ev model.Event) {
		switch e := ev.(type) {
		case model.MessageReceived:
			log.Info("message received",
				zap.String("id", e.Message.ID),
				zap.String("kind", string(e.Message.Kind)),
				zap.String("sender", e.Message.Sender),
				zap.String("transport", e.Transport))
		case model.DeliveryChanged:
			log.Info("delivery changed", zap.String("summary", formatSummary(e.Summary)))
		case model.ConnectionStateChanged:
			log.Info("connection state", zap.Stringer("state", e.State))
		}
	})
	<-ctx.Done()
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"tacmesh/internal/model"
	"tacmesh/internal/service/coordinator"
)

var (
	ErrUsage          = errors.New("usage")
	ErrUnknownCommand = errors.New("unknown command")
	ErrUnknownPeer    = errors.New("unknown peer")
)

const helpText = `/chat <callsign,...> <text>    send a chat message
/report <callsign,...> <text>  send a situation report
/pin <lat> <lon> <name>        drop a pin
/delpin <localID> <origin>     delete one of your pins
/sync                          re-announce and request all pins
/read <msgID>                  mark a received message read
/status <msgID>                delivery status of a sent message
/block <id> | /unblock <id>    block or unblock a device
/peers                         list known peers
/resend                        resend everything unacknowledged`

// Execute runs one console command and returns the text to show.
func (a *App) Execute(ctx context.Context, line string) (string, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", nil
	}
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/help":
		return helpText, nil
	case "/chat":
		return a.cmdChat(ctx, rest)
	case "/report":
		return a.cmdReport(ctx, rest)
	case "/pin":
		return a.cmdPin(ctx, rest)
	case "/delpin":
		return a.cmdDelPin(ctx, rest)
	case "/sync":
		if err := a.Sync(ctx); err != nil {
			return "", err
		}
		return "sync requested", nil
	case "/read":
		return a.cmdRead(ctx, rest)
	case "/status":
		return a.cmdStatus(rest)
	case "/block", "/unblock":
		if rest == "" {
			return "", fmt.Errorf("%w: %s <id>", ErrUsage, cmd)
		}
		if cmd == "/block" {
			a.directory.Block(ctx, rest)
			return "blocked " + rest, nil
		}
		a.directory.Unblock(ctx, rest)
		return "unblocked " + rest, nil
	case "/peers":
		return a.cmdPeers(), nil
	case "/resend":
		n := a.coord.ResendOverdue(ctx, 0)
		return fmt.Sprintf("resent to %d recipient(s)", n), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownCommand, cmd)
}

// recipientsAndText splits "<names,...> <text>" and resolves the names.
func (a *App) recipientsAndText(usage, rest string) ([]string, string, error) {
	names, text, ok := strings.Cut(rest, " ")
	text = strings.TrimSpace(text)
	if !ok || names == "" || text == "" {
		return nil, "", fmt.Errorf("%w: %s", ErrUsage, usage)
	}
	ids, missing := a.directory.Resolve(strings.Split(names, ","))
	if len(missing) > 0 {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownPeer, strings.Join(missing, ", "))
	}
	return ids, text, nil
}

func (a *App) cmdChat(ctx context.Context, rest string) (string, error) {
	ids, text, err := a.recipientsAndText("/chat <callsign,...> <text>", rest)
	if err != nil {
		return "", err
	}
	id, err := a.coord.Send(ctx, &model.Chat{
		Addressing:  model.Addressing{Recipients: ids},
		Text:        text,
		CreatedAtMs: nowMs(),
	})
	return sentText(id, err)
}

func (a *App) cmdReport(ctx context.Context, rest string) (string, error) {
	ids, text, err := a.recipientsAndText("/report <callsign,...> <text>", rest)
	if err != nil {
		return "", err
	}
	id, err := a.coord.Send(ctx, &model.Report{
		Addressing:  model.Addressing{Recipients: ids},
		ReportType:  "sitrep",
		Body:        text,
		CreatedAtMs: nowMs(),
	})
	return sentText(id, err)
}

func (a *App) cmdPin(ctx context.Context, rest string) (string, error) {
	fields := strings.Fields(rest)
	if len(fields) < 3 {
		return "", fmt.Errorf("%w: /pin <lat> <lon> <name>", ErrUsage)
	}
	lat, err := strconv.ParseFloat(fields[0], 64)
	if err != nil || lat < -90 || lat > 90 {
		return "", fmt.Errorf("%w: latitude %q", ErrUsage, fields[0])
	}
	lon, err := strconv.ParseFloat(fields[1], 64)
	if err != nil || lon < -180 || lon > 180 {
		return "", fmt.Errorf("%w: longitude %q", ErrUsage, fields[1])
	}

	pin, err := a.entities.CreatePin(ctx, model.Pin{
		Name:           strings.Join(fields[2:], " "),
		Lat:            lat,
		Lon:            lon,
		AuthorCallsign: a.cfg.Device.Callsign,
	})
	if errors.Is(err, coordinator.ErrNotSent) {
		return "pin " + pin.ID.String() + " (no peers reachable, kept for next sync)", nil
	}
	if err != nil {
		return "", err
	}
	return "pin " + pin.ID.String(), nil
}

func (a *App) cmdDelPin(ctx context.Context, rest string) (string, error) {
	fields := strings.Fields(rest)
	if len(fields) != 2 {
		return "", fmt.Errorf("%w: /delpin <localID> <origin>", ErrUsage)
	}
	localID, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: local id %q", ErrUsage, fields[0])
	}
	id := model.EntityID{Type: model.EntityPin, LocalID: localID, Origin: fields[1]}
	if err := a.entities.PublishDelete(ctx, id); err != nil && !errors.Is(err, coordinator.ErrNotSent) {
		return "", err
	}
	return "deleted " + id.String(), nil
}

func (a *App) cmdRead(ctx context.Context, rest string) (string, error) {
	if rest == "" {
		return "", fmt.Errorf("%w: /read <msgID>", ErrUsage)
	}
	msg, ok := a.Received(rest)
	if !ok {
		return "", fmt.Errorf("no received message %s", rest)
	}
	if err := a.coord.MarkRead(ctx, msg); err != nil {
		return "", err
	}
	return "read " + rest, nil
}

func (a *App) cmdStatus(rest string) (string, error) {
	if rest == "" {
		return "", fmt.Errorf("%w: /status <msgID>", ErrUsage)
	}
	s, ok := a.ledger.Summarize(rest)
	if !ok {
		return "", fmt.Errorf("no delivery records for %s", rest)
	}
	return formatSummary(s), nil
}

func (a *App) cmdPeers() string {
	peers := a.directory.FilterForChat()
	if len(peers) == 0 {
		return "no peers"
	}
	var b strings.Builder
	for _, p := range peers {
		mark := " "
		if a.directory.IsOnline(p) {
			mark = "*"
		}
		fmt.Fprintf(&b, "%s %-12s %s\n", mark, p.DisplayName(), p.DeviceID)
	}
	return strings.TrimRight(b.String(), "\n")
}

// sentText treats a message no transport took as queued; the resend loop
// retries it.
func sentText(id string, err error) (string, error) {
	switch {
	case errors.Is(err, coordinator.ErrNotSent):
		return "queued " + id, nil
	case err != nil:
		return "", err
	}
	return "sent " + id, nil
}

func formatSummary(s model.DeliverySummary) string {
	status := "in progress"
	switch {
	case s.IsFullyRead:
		status = "read by all"
	case s.IsFullyDelivered:
		status = "delivered to all"
	case s.Failed == s.Recipients:
		status = "failed"
	}
	return fmt.Sprintf("%s: %s (pending %d, sent %d, delivered %d, read %d, failed %d)",
		s.MessageID, status, s.Pending, s.Sent, s.Delivered, s.Read, s.Failed)
}

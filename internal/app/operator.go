package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"hl-unit-keeper/internal/alerts"
	"hl-unit-keeper/internal/registry"
	"hl-unit-keeper/internal/state"

	"go.uber.org/zap"
)

const (
	operatorOffsetKey      = "telegram:operator:last_update_id"
	operatorAuditKeyPrefix = "ops:audit:"
)

type operatorMeta struct {
	UpdateID int
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID int       `json:"update_id"`
	Time     time.Time `json:"time"`
	Action   string    `json:"action"`
	Command  string    `json:"command"`
	UserID   int64     `json:"user_id"`
	Username string    `json:"username,omitempty"`
	ChatID   int64     `json:"chat_id"`
	BatchID  string    `json:"batch_id,omitempty"`
	Asset    string    `json:"asset,omitempty"`
	Error    string    `json:"error,omitempty"`
}

func (a *App) startOperator(ctx context.Context) {
	if !a.cfg.Telegram.OperatorEnabled || !a.alerts.Enabled() {
		return
	}
	chatID, err := a.alerts.ChatID()
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return
	}
	pollInterval := a.cfg.Telegram.OperatorPollInterval
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	allowedUsers := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		allowedUsers[id] = struct{}{}
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.operatorLoop(ctx, chatID, allowedUsers, pollInterval)
	}()
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
	offset := a.loadOperatorOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.alerts.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(3 * time.Second):
			}
			continue
		}
		if a.operatorWarned {
			a.log.Info("telegram operator recovered")
			a.operatorWarned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowedUsers)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowedUsers map[int64]struct{}) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil || msg.From == nil {
		return
	}
	if msg.Chat.ID != chatID {
		return
	}
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[msg.From.ID]; !ok {
			return
		}
	}
	cmd, args, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.UserName,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}
	resp, err := a.handleOperatorCommand(ctx, cmd, args, meta)
	if err != nil {
		resp = fmt.Sprintf("command failed: %v", err)
	}
	if resp == "" {
		return
	}
	if err := a.alerts.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

// parseOperatorCommand splits "/cmd@bot a b" into "cmd" and its arguments.
func parseOperatorCommand(text string) (string, []string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	if cmd == "" {
		return "", nil, false
	}
	return cmd, fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) (string, error) {
	switch cmd {
	case "status":
		return a.operatorStatus(), nil
	case "units":
		if len(args) != 1 {
			return "usage: /units <batch>", nil
		}
		b, err := a.resolveBatch(args[0])
		if err != nil {
			return "", err
		}
		return a.operatorUnits(b)
	case "create":
		if len(args) != 4 {
			return "usage: /create <batch> <asset> <size> <leverage>", nil
		}
		b, err := a.resolveBatch(args[0])
		if err != nil {
			return "", err
		}
		size, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return "", fmt.Errorf("invalid size %q", args[2])
		}
		leverage, err := strconv.ParseFloat(args[3], 64)
		if err != nil {
			return "", fmt.Errorf("invalid leverage %q", args[3])
		}
		asset := strings.ToUpper(args[1])
		err = a.CreateUnit(b.ID, asset, size, leverage)
		a.auditOperatorAction(ctx, meta, "create", b.ID, asset, err)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("creating %s unit in %s", asset, batchLabel(b)), nil
	case "close":
		if len(args) != 2 {
			return "usage: /close <batch> <asset>", nil
		}
		b, err := a.resolveBatch(args[0])
		if err != nil {
			return "", err
		}
		asset := strings.ToUpper(args[1])
		err = a.CloseUnit(b.ID, asset)
		a.auditOperatorAction(ctx, meta, "close", b.ID, asset, err)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("closing %s unit in %s", asset, batchLabel(b)), nil
	case "closebatch":
		if len(args) != 1 {
			return "usage: /closebatch <batch>", nil
		}
		b, err := a.resolveBatch(args[0])
		if err != nil {
			return "", err
		}
		err = a.CloseBatch(ctx, b.ID)
		a.auditOperatorAction(ctx, meta, "closebatch", b.ID, "", err)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("batch %s closed", batchLabel(b)), nil
	default:
		return operatorHelpText(), nil
	}
}

// resolveBatch accepts a batch id or, failing that, a unique batch name.
func (a *App) resolveBatch(ref string) (registry.Batch, error) {
	if b, ok := a.registry.Batch(ref); ok {
		return b, nil
	}
	var match []registry.Batch
	for _, b := range a.registry.Batches() {
		if strings.EqualFold(b.Name, ref) {
			match = append(match, b)
		}
	}
	switch len(match) {
	case 1:
		return match[0], nil
	case 0:
		return registry.Batch{}, fmt.Errorf("%w: %s", registry.ErrUnknownBatch, ref)
	default:
		return registry.Batch{}, fmt.Errorf("batch name %q is ambiguous", ref)
	}
}

func (a *App) operatorStatus() string {
	batches := a.registry.Batches()
	if len(batches) == 0 {
		return "no batches"
	}
	var sb strings.Builder
	for i, b := range batches {
		if i > 0 {
			sb.WriteString("\n")
		}
		st, err := a.Status(b.ID)
		if err != nil {
			fmt.Fprintf(&sb, "%s: %v", batchLabel(b), err)
			continue
		}
		if !st.Loaded {
			fmt.Fprintf(&sb, "%s: loading", batchLabel(b))
			continue
		}
		fmt.Fprintf(&sb, "%s: %d units", batchLabel(b), len(st.Units))
		if n := len(st.Actions); n > 0 {
			fmt.Fprintf(&sb, ", %d in flight", n)
		}
		for _, bal := range st.Balances {
			fmt.Fprintf(&sb, " | %s %.2f", bal.AccountID, bal.Value)
		}
	}
	return sb.String()
}

func (a *App) operatorUnits(b registry.Batch) (string, error) {
	st, err := a.Status(b.ID)
	if err != nil {
		return "", err
	}
	if !st.Loaded {
		return fmt.Sprintf("%s: loading", batchLabel(b)), nil
	}
	if len(st.Units) == 0 {
		return fmt.Sprintf("%s: no units", batchLabel(b)), nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s units:", batchLabel(b))
	for _, u := range st.Units {
		fmt.Fprintf(&sb, "\n%s size=%g lev=%gx age=%s", u.Asset, u.Size, u.Leverage, u.Age.Truncate(time.Second))
		if u.State.Busy() {
			fmt.Fprintf(&sb, " [%s]", strings.ToLower(string(u.State)))
		}
	}
	return sb.String(), nil
}

func operatorHelpText() string {
	return strings.Join([]string{
		"/status - batches, units and balances",
		"/units <batch> - units of a batch",
		"/create <batch> <asset> <size> <leverage> - open a unit",
		"/close <batch> <asset> - close a unit",
		"/closebatch <batch> - remove a batch with no open units",
		"/help - this message",
	}, "\n")
}

func batchLabel(b registry.Batch) string {
	if b.Name != "" {
		return b.Name
	}
	return b.ID
}

func (a *App) logOperatorError(err error) {
	if a.operatorWarned {
		return
	}
	a.operatorWarned = true
	a.log.Warn("telegram operator failed", zap.Error(err))
}

func (a *App) loadOperatorOffset(ctx context.Context) int {
	if a.store == nil {
		return 0
	}
	var offset int
	ok, err := state.LoadJSON(ctx, a.store, operatorOffsetKey, &offset)
	if err != nil || !ok || offset < 0 {
		return 0
	}
	return offset
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int) {
	if a.store == nil {
		return
	}
	if err := state.SaveJSON(ctx, a.store, operatorOffsetKey, offset); err != nil {
		a.log.Warn("operator offset save failed", zap.Error(err))
	}
}

func (a *App) auditOperatorAction(ctx context.Context, meta operatorMeta, action, batchID, asset string, err error) {
	event := operatorAuditEvent{
		UpdateID: meta.UpdateID,
		Time:     a.now().UTC(),
		Action:   action,
		Command:  meta.Raw,
		UserID:   meta.UserID,
		Username: meta.Username,
		ChatID:   meta.ChatID,
		BatchID:  batchID,
		Asset:    asset,
	}
	if err != nil {
		event.Error = err.Error()
	}
	a.auditOperatorEvent(ctx, event)
}

func (a *App) auditOperatorEvent(ctx context.Context, event operatorAuditEvent) {
	if a.store == nil {
		return
	}
	key := fmt.Sprintf("%s%d:%d", operatorAuditKeyPrefix, event.Time.UnixNano(), event.UpdateID)
	if err := state.SaveJSON(ctx, a.store, key, event); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("operator audit failed", zap.Error(err))
	}
}

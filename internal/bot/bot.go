// Package bot runs the per-user conversation: it classifies inbound
// platform events, moves each user's session through the verification
// script and sends the matching cards and messages.
package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/xiaohuo/verifybot/internal/alert"
	"github.com/xiaohuo/verifybot/internal/lark"
	"github.com/xiaohuo/verifybot/internal/store"
	"github.com/xiaohuo/verifybot/internal/verifybot"
)

// settleTimeout bounds the writes and sends that move a user out of
// VERIFYING. They run detached from the event context so an expired event
// budget cannot strand the session.
const settleTimeout = 5 * time.Second

func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

// Platform is the subset of the platform client the conversation uses.
type Platform interface {
	SendText(ctx context.Context, to lark.Receiver, text string) error
	SendCard(ctx context.Context, to lark.Receiver, card lark.Card) error
	DownloadImage(ctx context.Context, messageID, imageKey string) ([]byte, error)
}

type Extractor interface {
	Extract(data []byte) (string, bool)
}

type Verifier interface {
	Verify(ctx context.Context, userID, payload string, category verifybot.Category) verifybot.Verdict
}

type Joiner interface {
	AddUser(ctx context.Context, userID string, category verifybot.Category) (verifybot.FanoutResult, error)
}

// Alerter receives operator alerts. It may be nil.
type Alerter interface {
	Publish(a alert.Alert)
}

type Deps struct {
	Sessions  store.Sessions
	Platform  Platform
	Extractor Extractor
	Verifier  Verifier
	Joiner    Joiner
	Alerts    Alerter
	Groups    verifybot.Groups
	Logger    *slog.Logger
}

type Bot struct {
	sessions  store.Sessions
	platform  Platform
	extractor Extractor
	verifier  Verifier
	joiner    Joiner
	alerts    Alerter
	groups    verifybot.Groups
	logger    *slog.Logger
	users     *keyedMutex
}

func New(d Deps) *Bot {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		sessions:  d.Sessions,
		platform:  d.Platform,
		extractor: d.Extractor,
		verifier:  d.Verifier,
		joiner:    d.Joiner,
		alerts:    d.Alerts,
		groups:    d.Groups,
		logger:    logger,
		users:     newKeyedMutex(),
	}
}

// HandleEvent processes one non-challenge event. The only errors returned
// are session store failures; everything else is handled by messaging the
// user and logging.
func (b *Bot) HandleEvent(ctx context.Context, env Envelope) error {
	logger := b.logger.With("event_id", env.Header.EventID, "event_type", env.Header.EventType)

	switch env.Header.EventType {
	case EventMessageReceive:
		var ev messageEvent
		if err := json.Unmarshal(env.Event, &ev); err != nil {
			logger.Warn("malformed message event", "error", err)
			return nil
		}
		return b.handleMessage(ctx, ev)
	case EventBotAdded:
		var ev botAddedEvent
		if err := json.Unmarshal(env.Event, &ev); err != nil {
			logger.Warn("malformed bot added event", "error", err)
			return nil
		}
		b.handleBotAdded(ctx, ev)
		return nil
	case EventCardAction, EventCardActionTrigger:
		var ev cardActionEvent
		if err := json.Unmarshal(env.Event, &ev); err != nil {
			logger.Warn("malformed card action", "error", err)
			return nil
		}
		return b.handleCardAction(ctx, ev)
	default:
		logger.Debug("ignoring event")
		return nil
	}
}

func (b *Bot) handleBotAdded(ctx context.Context, ev botAddedEvent) {
	if ev.ChatID == "" {
		return
	}
	b.logger.Info("bot added to chat", "chat_id", ev.ChatID)
	b.say(ctx, lark.Chat(ev.ChatID), msgWelcome)
}

func (b *Bot) handleMessage(ctx context.Context, ev messageEvent) error {
	userID := ev.Sender.SenderID.OpenID
	if userID == "" || ev.Sender.SenderType == "app" {
		return nil
	}

	unlock := b.users.Lock(userID)
	defer unlock()

	sess, err := b.sessions.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}

	switch ev.Message.MessageType {
	case "text":
		var content struct {
			Text string `json:"text"`
		}
		if err := decodeContent(ev.Message.Content, &content); err != nil {
			b.logger.Warn("undecodable text message", "user_id", userID, "error", err)
			return nil
		}
		return b.handleText(ctx, sess, strings.TrimSpace(content.Text))
	case "image":
		return b.handleImage(ctx, sess, ev.Message.MessageID, ev.Message.Content)
	default:
		b.logger.Debug("ignoring message type", "user_id", userID, "message_type", ev.Message.MessageType)
		return nil
	}
}

func (b *Bot) handleText(ctx context.Context, sess verifybot.Session, text string) error {
	userID := sess.UserID
	to := lark.User(userID)

	if isReset(text) {
		return b.restart(ctx, userID, msgReset)
	}
	if err := sess.Validate(); err != nil {
		b.logger.Warn("corrupted session", "user_id", userID, "error", err)
		return b.restart(ctx, userID, msgSessionRestored)
	}

	switch sess.State {
	case verifybot.StateInitial:
		if err := b.sessions.Set(ctx, verifybot.AwaitingSelection(userID)); err != nil {
			return fmt.Errorf("saving session: %w", err)
		}
		b.say(ctx, to, msgWelcome)
		b.show(ctx, to, selectionCard(b.groups))
	case verifybot.StateWaitingGroupSelection:
		c, ok := b.inferCategory(text)
		if !ok {
			b.say(ctx, to, msgSelectGroup)
			b.show(ctx, to, selectionCard(b.groups))
			return nil
		}
		return b.choose(ctx, userID, c)
	case verifybot.StateWaitingQRCode:
		b.say(ctx, to, msgSendQRCode)
		b.show(ctx, to, qrRequestCard(b.groups, sess.Category))
	case verifybot.StateVerifying:
		// Processing is serialized per user, so a VERIFYING session seen
		// here was left behind by an interrupted run.
		b.logger.Warn("stale verifying session", "user_id", userID)
		return b.restart(ctx, userID, msgSessionRestored)
	}
	return nil
}

func (b *Bot) handleImage(ctx context.Context, sess verifybot.Session, messageID, content string) error {
	userID := sess.UserID
	// A VERIFYING session here is left over from an interrupted run; its
	// category still stands, so the new image is processed as a retry.
	waiting := sess.State == verifybot.StateWaitingQRCode || sess.State == verifybot.StateVerifying
	if !waiting || sess.Validate() != nil {
		if err := b.sessions.Set(ctx, verifybot.AwaitingSelection(userID)); err != nil {
			return fmt.Errorf("saving session: %w", err)
		}
		b.say(ctx, lark.User(userID), msgSelectFirst)
		b.show(ctx, lark.User(userID), selectionCard(b.groups))
		return nil
	}
	return b.processQRCode(ctx, userID, sess.Category, messageID, content)
}

func (b *Bot) handleCardAction(ctx context.Context, ev cardActionEvent) error {
	userID := ev.operator()
	if userID == "" {
		b.logger.Warn("card action without operator")
		return nil
	}
	v, err := decodeActionValue(ev.Action.Value)
	if err != nil {
		b.logger.Warn("undecodable card action", "user_id", userID, "error", err)
		return nil
	}
	if v.Type != actionGroupSelection {
		return nil
	}

	c, ok := verifybot.ParseCategory(v.GroupType)
	if _, configured := b.groups[c]; !ok || !configured {
		b.say(ctx, lark.User(userID), msgUnknownGroup+v.GroupType)
		return nil
	}

	unlock := b.users.Lock(userID)
	defer unlock()
	return b.choose(ctx, userID, c)
}

// choose records the category and asks for the QR image.
func (b *Bot) choose(ctx context.Context, userID string, c verifybot.Category) error {
	if err := b.sessions.Set(ctx, verifybot.AwaitingQRCode(userID, c)); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	b.logger.Info("group type selected", "user_id", userID, "group_type", c)
	b.show(ctx, lark.User(userID), qrRequestCard(b.groups, c))
	return nil
}

// restart clears the session and asks for a category again. Running it
// twice leaves the same state as running it once.
func (b *Bot) restart(ctx context.Context, userID, notice string) error {
	if err := b.sessions.Reset(ctx, userID); err != nil {
		return fmt.Errorf("resetting session: %w", err)
	}
	if err := b.sessions.Set(ctx, verifybot.AwaitingSelection(userID)); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	b.say(ctx, lark.User(userID), notice)
	b.show(ctx, lark.User(userID), selectionCard(b.groups))
	return nil
}

// processQRCode runs the verification pipeline. Whatever happens inside,
// the user leaves VERIFYING: either the session is cleared after a join
// or it goes back to WAITING_QR_CODE.
func (b *Bot) processQRCode(ctx context.Context, userID string, c verifybot.Category, messageID, content string) (err error) {
	if err := b.sessions.Set(ctx, verifybot.Verifying(userID, c)); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("qr pipeline panic",
				"user_id", userID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = b.retry(ctx, userID, c, msgPipelineError)
		}
	}()

	return b.runPipeline(ctx, userID, c, messageID, content)
}

func (b *Bot) runPipeline(ctx context.Context, userID string, c verifybot.Category, messageID, content string) error {
	logger := b.logger.With("user_id", userID, "group_type", c)

	var image struct {
		ImageKey string `json:"image_key"`
	}
	if err := decodeContent(content, &image); err != nil || image.ImageKey == "" {
		logger.Warn("image message without image key", "error", err)
		return b.retry(ctx, userID, c, msgBadImage)
	}

	data, err := b.platform.DownloadImage(ctx, messageID, image.ImageKey)
	if err != nil || len(data) == 0 {
		logger.Error("downloading image", "message_id", messageID, "error", err)
		return b.retry(ctx, userID, c, msgDownloadFailed)
	}

	payload, ok := b.extractor.Extract(data)
	if !ok {
		logger.Info("no qr code found", "bytes", len(data))
		return b.retry(ctx, userID, c, msgNoQRCode)
	}

	verdict := b.verifier.Verify(ctx, userID, payload, c)
	logger.Info("verification finished", "authorized", verdict.Authorized, "from_cache", verdict.FromCache)
	if !verdict.Authorized {
		return b.retry(ctx, userID, c, verdict.Detail)
	}

	res, err := b.joiner.AddUser(ctx, userID, c)
	if err != nil {
		logger.Error("group fan-out misconfigured", "error", err)
		return b.retry(ctx, userID, c, msgJoinMisconfig)
	}
	if res.Guide != "" {
		logger.Error("platform permission problem",
			"status", res.Status,
			"cause", res.Cause,
			"guide", res.Guide,
		)
		if b.alerts != nil {
			b.alerts.Publish(alert.Alert{
				Kind:     alert.KindPermission,
				UserID:   userID,
				Category: c,
				Cause:    res.Cause,
				Guide:    res.Guide,
				At:       time.Now().UTC(),
			})
		}
	}

	switch res.Status {
	case verifybot.FanoutAllSucceeded, verifybot.FanoutPartialSuccess:
		sctx, cancel := settleContext(ctx)
		defer cancel()
		if err := b.sessions.Reset(sctx, userID); err != nil {
			return fmt.Errorf("clearing session: %w", err)
		}
		b.show(sctx, lark.User(userID), resultCard(true, res.Message))
		return nil
	case verifybot.FanoutPermissionDenied:
		return b.retry(ctx, userID, c, res.Message)
	case verifybot.FanoutAllFailed:
		return b.retry(ctx, userID, c, msgJoinFailed+res.Message)
	default:
		return b.retry(ctx, userID, c, msgPipelineError)
	}
}

// retry reports a failed attempt and puts the user back to WAITING_QR_CODE
// for the same category. It runs on a settle context, so it still lands
// when the event deadline has already passed.
func (b *Bot) retry(ctx context.Context, userID string, c verifybot.Category, message string) error {
	sctx, cancel := settleContext(ctx)
	defer cancel()
	err := b.sessions.Set(sctx, verifybot.AwaitingQRCode(userID, c))
	b.show(sctx, lark.User(userID), resultCard(false, message))
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// inferCategory matches free text against each category's keyword, name
// and alias.
func (b *Bot) inferCategory(text string) (verifybot.Category, bool) {
	lower := strings.ToLower(text)
	for _, c := range verifybot.Categories {
		cfg, ok := b.groups[c]
		if !ok {
			continue
		}
		switch {
		case cfg.Keyword != "" && strings.Contains(text, cfg.Keyword),
			cfg.Name != "" && strings.Contains(text, cfg.Name),
			cfg.Alias != "" && strings.Contains(lower, strings.ToLower(cfg.Alias)):
			return c, true
		}
	}
	return "", false
}

func isReset(text string) bool {
	for _, kw := range resetKeywords {
		if text == kw {
			return true
		}
	}
	for _, alias := range resetAliases {
		if strings.EqualFold(text, alias) {
			return true
		}
	}
	return false
}

func (b *Bot) say(ctx context.Context, to lark.Receiver, text string) {
	if err := b.platform.SendText(ctx, to, text); err != nil {
		b.logSendError(to, err)
	}
}

func (b *Bot) show(ctx context.Context, to lark.Receiver, card lark.Card) {
	if err := b.platform.SendCard(ctx, to, card); err != nil {
		b.logSendError(to, err)
	}
}

func (b *Bot) logSendError(to lark.Receiver, err error) {
	var apiErr *lark.APIError
	if errors.As(err, &apiErr) {
		b.logger.Error("sending message rejected", "receive_id", to.ID, "code", apiErr.Code, "msg", apiErr.Msg)
		return
	}
	b.logger.Error("sending message failed", "receive_id", to.ID, "error", err)
}

// Package membership adds a verified user to every chat configured for a
// group category and summarizes how that went.
package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xiaohuo/verifybot/internal/verifybot"
)

var (
	ErrUnknownCategory = errors.New("unknown group category")
	ErrNoTargets       = errors.New("no group targets configured")
)

// PermissionDeniedMessage is shown to users when the platform refuses the
// bot. It deliberately carries no codes or scope names.
const PermissionDeniedMessage = "由于飞书权限限制，无法将您添加到群组。\n\n请联系管理员检查机器人权限设置。"

// MemberAdder adds users to one chat.
type MemberAdder interface {
	AddChatMembers(ctx context.Context, chatID string, openIDs []string) error
}

type Fanout struct {
	groups verifybot.Groups
	adder  MemberAdder
	logger *slog.Logger
}

func New(groups verifybot.Groups, adder MemberAdder, logger *slog.Logger) *Fanout {
	return &Fanout{groups: groups, adder: adder, logger: logger}
}

// AddUser tries every chat of the category, one at a time, and never stops
// early on a failure.
func (f *Fanout) AddUser(ctx context.Context, userID string, category verifybot.Category) (verifybot.FanoutResult, error) {
	cfg, ok := f.groups[category]
	if !ok {
		return verifybot.FanoutResult{}, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	if len(cfg.ChatIDs) == 0 {
		return verifybot.FanoutResult{}, fmt.Errorf("%w for %s", ErrNoTargets, f.groups.Name(category))
	}

	targets := make([]verifybot.TargetOutcome, 0, len(cfg.ChatIDs))
	for _, chatID := range cfg.ChatIDs {
		f.logger.Info("adding user to chat", "user_id", userID, "chat_id", chatID, "group_type", category)

		err := f.adder.AddChatMembers(ctx, chatID, []string{userID})
		if err == nil {
			targets = append(targets, verifybot.TargetOutcome{ChatID: chatID, Success: true})
			continue
		}

		out := verifybot.TargetOutcome{ChatID: chatID, Error: err.Error()}
		out.PermissionError, out.Cause = classify(err)
		if code, ok := apiCode(err); ok {
			out.Code = code
		}
		f.logger.Warn("adding user to chat failed",
			"user_id", userID,
			"chat_id", chatID,
			"permission_error", out.PermissionError,
			"error", err,
		)
		targets = append(targets, out)
	}

	return summarize(category, f.groups.Name(category), targets), nil
}

// Aggregate derives the overall status from per-target outcomes. A
// permission error on any target that was not joined reports
// PERMISSION_DENIED, whatever the number of joins; otherwise any join
// counts as (partial) success.
func Aggregate(targets []verifybot.TargetOutcome) (verifybot.FanoutStatus, int) {
	succeeded := 0
	permission := false
	for _, t := range targets {
		if t.Success {
			succeeded++
		} else if t.PermissionError {
			permission = true
		}
	}

	switch {
	case len(targets) > 0 && succeeded == len(targets):
		return verifybot.FanoutAllSucceeded, succeeded
	case permission:
		return verifybot.FanoutPermissionDenied, succeeded
	case succeeded > 0:
		return verifybot.FanoutPartialSuccess, succeeded
	default:
		return verifybot.FanoutAllFailed, succeeded
	}
}

func summarize(category verifybot.Category, name string, targets []verifybot.TargetOutcome) verifybot.FanoutResult {
	status, succeeded := Aggregate(targets)
	res := verifybot.FanoutResult{
		Category:     category,
		Status:       status,
		SuccessCount: succeeded,
		Targets:      targets,
	}

	for _, t := range targets {
		if t.PermissionError {
			res.Cause = t.Cause
			res.Guide = Guide(t.Cause)
			break
		}
	}

	switch status {
	case verifybot.FanoutAllSucceeded:
		res.Message = fmt.Sprintf("您已成功加入%s！", name)
	case verifybot.FanoutPartialSuccess:
		res.Message = fmt.Sprintf("您已部分加入%s，成功加入了%d/%d个群组", name, succeeded, len(targets))
	case verifybot.FanoutPermissionDenied:
		res.Message = PermissionDeniedMessage
	case verifybot.FanoutAllFailed:
		res.Message = fmt.Sprintf("无法将您添加到%s，请联系管理员", name)
	}
	return res
}

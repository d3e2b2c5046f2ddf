package membership

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xiaohuo/verifybot/internal/lark"
)

// permissionCodes are platform error codes that mean the app lacks a
// permission or credential. The table is authoritative: a listed code is
// always a permission error.
var permissionCodes = map[int]string{
	10002:    "权限校验失败",
	10020:    "应用未获得授权，请检查应用权限配置",
	99991663: "应用访问凭证已过期",
	99991664: "应用访问凭证无效",
	20002:    "没有发送消息权限",
	22006:    "没有获取图片资源权限",
	25002:    "没有加入群聊权限",
	25003:    "没有获取群信息权限",
	22007:    "机器人被禁用",
	22008:    "机器人未加入群聊",
}

// permissionKeywords are matched, lowercased, against the platform's msg
// when the code is not in the table. Transport failures are never
// matched: their text describes the network, not the platform's verdict.
var permissionKeywords = []string{
	"权限",
	"权利",
	"禁止",
	"拒绝",
	"permission",
	"forbidden",
	"access denied",
	"no access",
	"unauthorized",
}

// classify reports whether err is a permission failure and, if so, a
// human-readable cause for operators.
func classify(err error) (bool, string) {
	var apiErr *lark.APIError
	if !errors.As(err, &apiErr) {
		return false, ""
	}

	if desc, ok := permissionCodes[apiErr.Code]; ok {
		return true, fmt.Sprintf("%s (错误码: %d)", desc, apiErr.Code)
	}

	msg := strings.ToLower(apiErr.Msg)
	for _, kw := range permissionKeywords {
		if strings.Contains(msg, kw) {
			return true, fmt.Sprintf("可能的权限问题: %s (错误码: %d)", apiErr.Msg, apiErr.Code)
		}
	}
	return false, ""
}

type guideTopic struct {
	keywords    []string
	permissions []string
}

// guideTopics map cause text to the scopes an operator should check.
var guideTopics = []guideTopic{
	{
		keywords: []string{"消息", "message"},
		permissions: []string{
			"im:message (读取消息)",
			"im:message:send_as_bot (发送消息)",
		},
	},
	{
		keywords: []string{"图片", "image", "resource"},
		permissions: []string{
			"im:resource (读取资源)",
			"im:image (获取图片)",
		},
	},
	{
		keywords: []string{"群", "成员", "chat", "member"},
		permissions: []string{
			"im:chat (获取群信息)",
			"im:chat:member (读取群成员)",
			"im:chat:member:add (添加群成员)",
		},
	},
}

// Guide builds the operator remediation text for a permission cause.
func Guide(cause string) string {
	lower := strings.ToLower(cause)

	var b strings.Builder
	b.WriteString("请在飞书开发者平台检查以下权限配置:\n")
	for _, topic := range guideTopics {
		for _, kw := range topic.keywords {
			if strings.Contains(lower, kw) {
				for _, p := range topic.permissions {
					b.WriteString("- " + p + "\n")
				}
				break
			}
		}
	}
	b.WriteString("\n请确保应用已发布且这些权限已获得审批。")
	return b.String()
}

func apiCode(err error) (int, bool) {
	var apiErr *lark.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, true
	}
	return 0, false
}

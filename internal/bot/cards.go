package bot

import (
	"fmt"

	"github.com/xiaohuo/verifybot/internal/lark"
	"github.com/xiaohuo/verifybot/internal/verifybot"
)

// actionGroupSelection is the action type posted back by selection buttons.
const actionGroupSelection = "group_selection"

func selectionCard(groups verifybot.Groups) lark.Card {
	var buttons []lark.Button
	for _, c := range verifybot.Categories {
		if _, ok := groups[c]; !ok {
			continue
		}
		buttons = append(buttons, lark.PrimaryButton(groups.Name(c), map[string]string{
			"type":       actionGroupSelection,
			"group_type": string(c),
		}))
	}
	return lark.NewCard("选择群组类型", lark.TemplateBlue,
		lark.MarkdownBlock("**请选择您想加入的群组类型：**"),
		lark.Actions(buttons...),
	)
}

func qrRequestCard(groups verifybot.Groups, c verifybot.Category) lark.Card {
	body := fmt.Sprintf("您选择了加入**%s**。\n\n请发送您的二维码图片，我们将验证您的身份。", groups.Name(c))
	elements := []any{lark.MarkdownBlock(body)}
	if desc := groups[c].Description; desc != "" {
		elements = append(elements, lark.NoteBlock(desc))
	}
	return lark.NewCard("请发送二维码", lark.TemplateBlue, elements...)
}

func resultCard(success bool, message string) lark.Card {
	if success {
		return lark.NewCard("验证成功", lark.TemplateGreen,
			lark.MarkdownBlock(message),
		)
	}
	return lark.NewCard("验证失败", lark.TemplateRed,
		lark.MarkdownBlock(message),
		lark.Divider(),
		lark.NoteBlock(hintReselect),
	)
}

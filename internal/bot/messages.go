package bot

// User-facing texts.
const (
	msgWelcome         = "你好！我是小火验证机器人。请问您想加入哪一类群组？"
	msgSelectGroup     = "请选择您想加入的群组类型："
	msgReset           = "已重置。请选择您想加入的群组类型："
	msgSelectFirst     = "请先选择您要加入的群组类型。"
	msgSendQRCode      = "请发送您的二维码图片进行验证。"
	msgSessionRestored = "会话状态异常，已为您重新开始。请选择您想加入的群组类型："

	msgBadImage       = "无法识别图片，请重新发送二维码。"
	msgDownloadFailed = "无法下载图片，请重新发送清晰的二维码。"
	msgNoQRCode       = "无法识别二维码，请确保图片中包含清晰的二维码。"
	msgJoinMisconfig  = "验证成功，但添加群组失败：群组配置有误，请联系管理员。"
	msgJoinFailed     = "验证成功，但添加群组失败："
	msgPipelineError  = "处理二维码时出错，请重新发送。"
	msgUnknownGroup   = "未知的群组类型："

	hintReselect = "如需重新选择群组类型，请回复「重新选择」"
)

// resetKeywords restart the conversation from any state. CJK keywords
// match exactly; Latin aliases match case-insensitively.
var (
	resetKeywords = []string{"重新选择", "重置"}
	resetAliases  = []string{"reset", "restart"}
)

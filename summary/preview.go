package summary

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ceyewan/pulse/model"
)

// DefaultPreviewLimit 文本预览的最大字符数（按 rune 计）
const DefaultPreviewLimit = 100

const ellipsis = "..."

// Preview 会话列表中展示的摘要文本
type Preview struct {
	Text    string `json:"text"`
	HasMore bool   `json:"has_more"`
}

// 非文本类型的预览文案：{单个, 多个}
var categoryText = map[string][2]string{
	model.MessageImage:    {"Sent a photo", "Sent %d photos"},
	model.MessageVideo:    {"Sent a video", "Sent %d videos"},
	model.MessageAudio:    {"Sent a voice message", "Sent %d voice messages"},
	model.MessageFile:     {"Sent a file", "Sent %d files"},
	model.MessageSticker:  {"Sent a sticker", "Sent %d stickers"},
	model.MessageLocation: {"Shared a location", "Shared %d locations"},
	model.MessageContact:  {"Shared a contact", "Shared %d contacts"},
}

// OptimizePreview 生成预览，纯函数
//   - 文本与系统消息：折叠空白后截断到 DefaultPreviewLimit 个字符并追加 "..."
//   - 其他类型：按附件数量与类型生成分类文案
//   - 文本类型但只有附件时，按附件推断类型
func OptimizePreview(content, msgType string, attachments []model.Attachment) Preview {
	return optimizePreview(content, msgType, attachments, DefaultPreviewLimit)
}

func optimizePreview(content, msgType string, attachments []model.Attachment, limit int) Preview {
	if limit <= 0 {
		limit = DefaultPreviewLimit
	}

	switch msgType {
	case "", model.MessageText, model.MessageSystem:
		text := collapseSpace(content)
		if text == "" && len(attachments) > 0 {
			return Preview{Text: attachmentText(attachments)}
		}
		return truncate(text, limit)
	}

	if _, ok := categoryText[msgType]; ok {
		n := len(attachments)
		if n == 0 {
			n = 1
		}
		return Preview{Text: category(msgType, n)}
	}

	// 未知类型
	if len(attachments) > 0 {
		return Preview{Text: attachmentText(attachments)}
	}
	return truncate(collapseSpace(content), limit)
}

func attachmentText(attachments []model.Attachment) string {
	kind := attachments[0].Type
	for _, a := range attachments[1:] {
		if a.Type != kind {
			kind = ""
			break
		}
	}
	if _, ok := categoryText[kind]; ok {
		return category(kind, len(attachments))
	}
	if len(attachments) == 1 {
		return "Sent an attachment"
	}
	return "Sent " + strconv.Itoa(len(attachments)) + " attachments"
}

func category(msgType string, n int) string {
	t := categoryText[msgType]
	if n <= 1 {
		return t[0]
	}
	return strings.Replace(t[1], "%d", strconv.Itoa(n), 1)
}

func truncate(text string, limit int) Preview {
	if utf8.RuneCountInString(text) <= limit {
		return Preview{Text: text}
	}
	runes := []rune(text)
	return Preview{
		Text:    strings.TrimRight(string(runes[:limit]), " ") + ellipsis,
		HasMore: true,
	}
}

// collapseSpace 将换行与连续空白折叠为单个空格
func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

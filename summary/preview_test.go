package summary_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"github.com/ceyewan/pulse/model"
	"github.com/ceyewan/pulse/summary"
)

func TestOptimizePreview(t *testing.T) {
	photos := []model.Attachment{{Type: model.MessageImage}, {Type: model.MessageImage}, {Type: model.MessageImage}}
	files := []model.Attachment{{Type: model.MessageFile}, {Type: model.MessageFile}, {Type: model.MessageFile}}
	mixed := []model.Attachment{{Type: model.MessageImage}, {Type: model.MessageFile}}

	tests := []struct {
		name        string
		content     string
		msgType     string
		attachments []model.Attachment
		want        string
		hasMore     bool
	}{
		{"短文本原样返回", "hello", model.MessageText, nil, "hello", false},
		{"折叠换行", "line1\n\n  line2", model.MessageText, nil, "line1 line2", false},
		{"单张图片", "", model.MessageImage, photos[:1], "Sent a photo", false},
		{"多张图片", "", model.MessageImage, photos, "Sent 3 photos", false},
		{"无附件的图片消息", "", model.MessageImage, nil, "Sent a photo", false},
		{"多个文件", "", model.MessageFile, files, "Sent 3 files", false},
		{"语音", "", model.MessageAudio, nil, "Sent a voice message", false},
		{"位置", "", model.MessageLocation, nil, "Shared a location", false},
		{"文本类型只有附件", "", model.MessageText, files[:2], "Sent 2 files", false},
		{"混合附件", "", "album", mixed, "Sent 2 attachments", false},
		{"系统消息按文本处理", "alice joined", model.MessageSystem, nil, "alice joined", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := summary.OptimizePreview(tt.content, tt.msgType, tt.attachments)
			assert.Equal(t, tt.want, p.Text)
			assert.Equal(t, tt.hasMore, p.HasMore)
		})
	}
}

func TestOptimizePreview_Truncate(t *testing.T) {
	t.Run("超长文本截断并追加省略号", func(t *testing.T) {
		p := summary.OptimizePreview(strings.Repeat("a", 150), model.MessageText, nil)
		assert.True(t, p.HasMore)
		assert.Equal(t, strings.Repeat("a", 100)+"...", p.Text)
	})

	t.Run("按字符而不是字节截断", func(t *testing.T) {
		p := summary.OptimizePreview(strings.Repeat("你好", 80), model.MessageText, nil)
		assert.True(t, p.HasMore)
		assert.True(t, utf8.ValidString(p.Text))
		assert.Equal(t, 103, utf8.RuneCountInString(p.Text))
	})

	t.Run("恰好 100 个字符不截断", func(t *testing.T) {
		p := summary.OptimizePreview(strings.Repeat("x", 100), model.MessageText, nil)
		assert.False(t, p.HasMore)
		assert.Len(t, p.Text, 100)
	})
}

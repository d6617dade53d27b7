package service

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// bulletMarker 是中间段落的项目符号前缀。
const bulletMarker = "• "

var blankLine = regexp.MustCompile(`\n\s*\n`)

// StructureResponse 将模型原始输出规整为段落/要点结构：
// 按空行切分段落并去除首尾空白，首尾之外的段落加项目符号前缀，
// 再以单个换行重新拼接。单段落或空输入原样返回。
func StructureResponse(text string) string {
	paragraphs := blankLine.Split(text, -1)

	trimmed := make([]string, 0, len(paragraphs))
	for _, p := range paragraphs {
		if t := strings.TrimSpace(p); t != "" {
			trimmed = append(trimmed, t)
		}
	}
	if len(trimmed) <= 1 {
		return text
	}

	for i := 1; i < len(trimmed)-1; i++ {
		trimmed[i] = bulletMarker + trimmed[i]
	}
	return strings.Join(trimmed, "\n")
}

// maxTopicLen 对应 chat_topic 列宽。
const maxTopicLen = 255

// DeriveChatTopic 从首条助手回答派生会话话题：取到第一个句号为止（含句号）。
// 没有句号时取全文。沿用按第一个 '.' 朴素切分的历史行为，缩写与小数会被误切。
func DeriveChatTopic(assistantContent string) string {
	topic := assistantContent
	if idx := strings.Index(assistantContent, "."); idx >= 0 {
		topic = assistantContent[:idx+1]
	}
	topic = strings.TrimSpace(topic)
	if len(topic) > maxTopicLen {
		// 回退到字符边界，避免把多字节字符截成半个
		cut := maxTopicLen
		for cut > 0 && !utf8.RuneStart(topic[cut]) {
			cut--
		}
		topic = topic[:cut]
	}
	return topic
}

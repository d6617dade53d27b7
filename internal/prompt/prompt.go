// Package prompt 负责根据会话领域渲染系统消息与用户提示词。
// 本包为纯函数实现，不做任何 I/O。
package prompt

import (
	"fmt"
	"strings"

	"mind-chat-go/internal/chaterr"
	"mind-chat-go/internal/model"
)

// baseRequirements 是所有模板共用的基础要求块。
const baseRequirements = `回答时请遵循以下要求：
1. 基于事实作答，不确定时明确说明不确定
2. 回答使用与提问相同的语言
3. 保持简洁，不重复问题本身`

// 上下文包裹符，与检索段落拼接格式对齐。
const (
	refStart = "<<REF>>"
	refEnd   = "<<END>>"
)

// systemMessages 是各领域的 system 消息。
var systemMessages = map[model.DominationField]string{
	model.FieldNormalChat: "你是一个友好的智能助手，进行自然的日常对话。",
	model.FieldEmail:      "你是一个邮件写作助手，帮助用户起草语气得体、结构清晰的邮件。",
	model.FieldScience:    "你是一个科学领域的问答助手，依据给定资料回答科学问题。",
	model.FieldLaw:        "你是一个法律领域的问答助手，依据给定资料回答法律问题，并提示你不构成法律意见。",
	model.FieldMedicine:   "你是一个医学领域的问答助手，依据给定资料回答医学问题，并提示用户就医咨询专业医生。",
}

// SystemMessage 返回领域对应的 system 消息。
func SystemMessage(field model.DominationField) string {
	if msg, ok := systemMessages[field]; ok {
		return msg
	}
	return systemMessages[model.FieldNormalChat]
}

// Build 根据领域从封闭的模板集合中选择一个并完成插值。
// 需要上下文的领域在 contextText 为空时快速失败，返回 chaterr.ErrMissingContext。
func Build(field model.DominationField, history []model.Turn, query, contextText, customPrompt string) (string, error) {
	if !field.Valid() {
		return "", fmt.Errorf("unknown domination field %q", field)
	}

	switch field {
	case model.FieldNormalChat:
		return buildChatPrompt("请自然地回应用户。", history, query, customPrompt), nil
	case model.FieldEmail:
		return buildChatPrompt("请根据用户的要求起草或修改邮件内容。", history, query, customPrompt), nil
	default:
		// 其余领域均为文档问答模板，必须携带检索上下文
		if strings.TrimSpace(contextText) == "" {
			return "", chaterr.ErrMissingContext
		}
		return buildDocumentPrompt(history, query, contextText, customPrompt), nil
	}
}

// buildChatPrompt 渲染上下文无关领域的提示词。
func buildChatPrompt(instruction string, history []model.Turn, query, customPrompt string) string {
	var b strings.Builder
	b.WriteString(baseRequirements)
	b.WriteString("\n\n")
	b.WriteString(instruction)
	if customPrompt != "" {
		b.WriteString("\n\n附加要求：")
		b.WriteString(customPrompt)
	}
	if h := FormatHistory(history); h != "" {
		b.WriteString("\n\n以下是之前的对话：\n")
		b.WriteString(h)
	}
	b.WriteString("\n\n用户的当前问题：")
	b.WriteString(query)
	return b.String()
}

// buildDocumentPrompt 渲染文档问答模板，检索上下文用包裹符标出。
func buildDocumentPrompt(history []model.Turn, query, contextText, customPrompt string) string {
	var b strings.Builder
	b.WriteString(baseRequirements)
	b.WriteString("\n\n请优先依据下列资料回答，资料不足时再使用通用知识并注明。")
	if customPrompt != "" {
		b.WriteString("\n\n附加要求：")
		b.WriteString(customPrompt)
	}
	if h := FormatHistory(history); h != "" {
		b.WriteString("\n\n以下是之前的对话：\n")
		b.WriteString(h)
	}
	b.WriteString("\n\n")
	b.WriteString(refStart)
	b.WriteString("\n")
	b.WriteString(contextText)
	b.WriteString("\n")
	b.WriteString(refEnd)
	b.WriteString("\n\n用户的当前问题：")
	b.WriteString(query)
	return b.String()
}

// FormatHistory 将历史消息格式化为 "ROLE: content" 行，空消息被跳过。
func FormatHistory(history []model.Turn) string {
	var lines []string
	for _, turn := range history {
		text := strings.TrimSpace(turn.PlainText())
		if text == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", strings.ToUpper(turn.Role), text))
	}
	return strings.Join(lines, "\n")
}

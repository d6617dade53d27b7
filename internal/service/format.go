// Package service 包含了应用的业务逻辑层。
package service

import (
	"fmt"

	"mind-chat-go/internal/chaterr"
	"mind-chat-go/internal/model"
	"mind-chat-go/internal/prompt"
)

// FormatMessages 将历史消息与当前提示词组装为发往补全接口的消息序列。
// 顺序固定：先是领域 system 消息，然后是携带提示词的 user 消息，
// 再按原顺序追加每条有效的历史消息（空消息被过滤）；
// 若附带图片，图片追加到序列中最后一条 user 消息的内容分段末尾，
// 永远不会挂在 assistant 或 system 消息上。
// 返回前对每条 user 消息做结构校验，违反不变量返回 FormattingError，
// 在任何网络调用之前中止流水线。
func FormatMessages(history []model.Turn, promptText string, field model.DominationField, image *model.ImageAttachment) ([]model.Turn, error) {
	turns := make([]model.Turn, 0, len(history)+2)
	turns = append(turns, model.TextTurn(model.RoleSystem, prompt.SystemMessage(field)))
	turns = append(turns, model.TextTurn(model.RoleUser, promptText))

	for i, h := range history {
		switch h.Role {
		case model.RoleUser, model.RoleAssistant, model.RoleSystem:
		default:
			return nil, chaterr.Formatting(fmt.Sprintf("history entry %d has unknown role %q", i, h.Role))
		}
		if h.IsEmpty() {
			continue
		}
		turns = append(turns, h)
	}

	if image != nil {
		attached := false
		for i := len(turns) - 1; i >= 0; i-- {
			if turns[i].Role == model.RoleUser {
				// 先复制分段再追加，避免在原切片有富余容量时改写调用方的 history
				parts := make([]model.ContentPart, len(turns[i].Parts), len(turns[i].Parts)+1)
				copy(parts, turns[i].Parts)
				turns[i].Parts = append(parts, model.ImagePart(image.URL, image.Detail))
				attached = true
				break
			}
		}
		if !attached {
			return nil, chaterr.Formatting("image attachment requires a user turn")
		}
	}

	for _, t := range turns {
		if t.Role != model.RoleUser {
			continue
		}
		if err := t.ValidateUserContent(); err != nil {
			return nil, chaterr.Formatting(err.Error())
		}
	}
	return turns, nil
}

package model

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// 消息角色常量。
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// 内容分段类型常量。
const (
	PartTypeText  = "text"
	PartTypeImage = "image_url"
)

// ImageURL 是图片分段携带的引用，URL 可以是 http(s) 地址或 base64 data URI。
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// ContentPart 是带标签的内容变体：文本分段或图片引用分段。
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// TextPart 构造一个文本分段。
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartTypeText, Text: text}
}

// ImagePart 构造一个图片引用分段。
func ImagePart(rawURL, detail string) ContentPart {
	return ContentPart{Type: PartTypeImage, ImageURL: &ImageURL{URL: rawURL, Detail: detail}}
}

// ImageAttachment 是调用方随提问附带的图片。
type ImageAttachment struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// Turn 是流水线内部统一的消息形态：一个角色加上有序的内容分段列表。
// 输入侧兼容纯字符串 content 与分段数组两种 JSON 形态，输出侧统一为分段数组。
type Turn struct {
	Role  string
	Parts []ContentPart
}

// TextTurn 构造一个单文本分段的消息。
func TextTurn(role, text string) Turn {
	return Turn{Role: role, Parts: []ContentPart{TextPart(text)}}
}

// turnJSON 是 Turn 的线上形态。
type turnJSON struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// MarshalJSON 将消息编码为分段数组形态，与补全 API 的 messages 结构对齐。
func (t Turn) MarshalJSON() ([]byte, error) {
	content, err := json.Marshal(t.Parts)
	if err != nil {
		return nil, err
	}
	return json.Marshal(turnJSON{Role: t.Role, Content: content})
}

// UnmarshalJSON 同时接受 "content": "..." 与 "content": [ {...} ] 两种形态，
// 并统一规范化为分段列表。
func (t *Turn) UnmarshalJSON(data []byte) error {
	var raw turnJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t.Role = raw.Role
	t.Parts = nil
	if len(raw.Content) == 0 {
		return nil
	}

	var text string
	if err := json.Unmarshal(raw.Content, &text); err == nil {
		if text != "" {
			t.Parts = []ContentPart{TextPart(text)}
		}
		return nil
	}

	var parts []ContentPart
	if err := json.Unmarshal(raw.Content, &parts); err != nil {
		return fmt.Errorf("content must be a string or a content-part array: %w", err)
	}
	t.Parts = parts
	return nil
}

// PlainText 返回消息所有文本分段拼接后的纯文本。
func (t Turn) PlainText() string {
	var b strings.Builder
	for _, p := range t.Parts {
		if p.Type == PartTypeText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// IsEmpty 判断消息是否没有任何有效内容。
func (t Turn) IsEmpty() bool {
	for _, p := range t.Parts {
		switch p.Type {
		case PartTypeText:
			if strings.TrimSpace(p.Text) != "" {
				return false
			}
		case PartTypeImage:
			if p.ImageURL != nil && p.ImageURL.URL != "" {
				return false
			}
		}
	}
	return true
}

// ValidateUserContent 检查 user 消息的结构不变量：
// 分段列表非空，文本分段非空，图片分段必须是语法合法的 URL 或 base64 引用。
func (t Turn) ValidateUserContent() error {
	if len(t.Parts) == 0 {
		return fmt.Errorf("user turn has no content parts")
	}
	for i, p := range t.Parts {
		switch p.Type {
		case PartTypeText:
			if strings.TrimSpace(p.Text) == "" {
				return fmt.Errorf("content part %d: empty text", i)
			}
		case PartTypeImage:
			if p.ImageURL == nil || !validImageRef(p.ImageURL.URL) {
				return fmt.Errorf("content part %d: invalid image reference", i)
			}
		default:
			return fmt.Errorf("content part %d: unknown type %q", i, p.Type)
		}
	}
	return nil
}

// validImageRef 判断图片引用是否为合法的 http(s) URL 或 base64 data URI。
func validImageRef(ref string) bool {
	if ref == "" {
		return false
	}
	if strings.HasPrefix(ref, "data:image/") && strings.Contains(ref, ";base64,") {
		return true
	}
	u, err := url.Parse(ref)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

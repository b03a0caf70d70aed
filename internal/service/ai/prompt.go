package ai

import (
	"fmt"
	"strings"

	"github.com/bloomware/voicechat/backend/internal/analysis/emotion"
	"github.com/bloomware/voicechat/backend/internal/model/chat"
)

// PromptTemplate 一种回复风格的系统提示模板。
type PromptTemplate struct {
	SystemPrompt string
	Hints        []string
	Rules        []string
}

// PromptManager 按回复风格管理提示模板。
type PromptManager struct {
	templates map[chat.ResponseStyle]*PromptTemplate
}

func NewPromptManager() *PromptManager {
	pm := &PromptManager{templates: make(map[chat.ResponseStyle]*PromptTemplate)}
	pm.loadDefaultTemplates()
	return pm
}

// PromptContext 拼装系统提示所需的本轮信息。
type PromptContext struct {
	Style    chat.ResponseStyle
	Emotion  emotion.Fused
	Tool     *chat.ToolInvocation
	Env      string
	UserName string
}

// BuildSystemPrompt 未知风格回退到 standard。
func (pm *PromptManager) BuildSystemPrompt(pc PromptContext) string {
	tpl, ok := pm.templates[pc.Style]
	if !ok {
		tpl = pm.templates[chat.StyleStandard]
	}

	var b strings.Builder
	if name := strings.TrimSpace(pc.UserName); name != "" {
		fmt.Fprintf(&b, "用戶名稱：%s\n\n", name)
	}
	if pc.Style == chat.StyleSupportive && pc.Emotion.Label != "" {
		fmt.Fprintf(&b, "用戶情緒：%s\n\n", pc.Emotion.Label)
	}

	b.WriteString(tpl.SystemPrompt)
	if len(tpl.Hints) > 0 {
		b.WriteString("\n\n回應原則：\n- ")
		b.WriteString(strings.Join(tpl.Hints, "\n- "))
	}
	if len(tpl.Rules) > 0 {
		b.WriteString("\n\n限制：\n- ")
		b.WriteString(strings.Join(tpl.Rules, "\n- "))
	}

	if pc.Style != chat.StyleSupportive {
		if desc := describeEmotion(pc.Emotion.Label); desc != "" {
			b.WriteString("\n\n基於用戶當前狀態的情緒分析：")
			b.WriteString(desc)
		}
	}

	if env := strings.TrimSpace(pc.Env); env != "" {
		b.WriteString("\n\n用戶環境：")
		b.WriteString(env)
	}

	if tool := pc.Tool; tool != nil {
		if tool.Succeeded() {
			fmt.Fprintf(&b, "\n\n工具 %s 已回傳結果，請根據結果用自然口語回答，不要捏造結果以外的數據：\n%s", tool.ToolName, tool.Content)
		} else {
			fmt.Fprintf(&b, "\n\n工具 %s 這次沒有成功（%s），請簡短告知用戶暫時查不到，不要編造數據。", tool.ToolName, tool.ErrorMessage)
		}
	}
	return b.String()
}

func (pm *PromptManager) loadDefaultTemplates() {
	pm.templates[chat.StyleStandard] = &PromptTemplate{
		SystemPrompt: "你是 BloomWare 的語音助理「小花」。用繁體中文、口語化地回答，像朋友聊天一樣自然。",
		Hints: []string{
			"回答簡潔，語音播放時容易聽懂",
			"不確定的資訊直接說不確定",
			"用戶要求即時資料時以工具結果為準",
		},
		Rules: []string{
			"不使用 Markdown、列表或表情符號",
			"一般回答控制在 3 句話以內",
		},
	}

	pm.templates[chat.StyleSupportive] = &PromptTemplate{
		SystemPrompt: "你是 BloomWare 的情緒關懷助手「小花」。你的任務是傾聽、陪伴。",
		Hints: []string{
			"第一句貼近用戶的核心感受，讓對方感受到被理解",
			"第二句溫柔陪伴或追問，邀請分享",
			"句式自然口語，避免罐頭話術",
		},
		Rules: []string{
			"最多 2 句話、60 字以內",
			"禁止指示性建議、醫療診斷、教科書式說法",
			"禁止重複相同句型",
		},
	}
}

func describeEmotion(label emotion.Label) string {
	switch label {
	case emotion.Happy:
		return "用戶情緒積極、快樂，可以保持輕快。"
	case emotion.Sad:
		return "用戶有些低落，語氣放柔和一些。"
	case emotion.Angry:
		return "用戶有些不滿，回應要沉穩、理性。"
	case emotion.Fear:
		return "用戶有些不安，先給予安全感再回答。"
	case emotion.Surprise:
		return "用戶感到意外，可以順著好奇心回應。"
	default:
		return ""
	}
}

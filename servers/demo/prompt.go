package demo

import (
	"github.com/TangGee/mcp-session"
)

func (d *Demo) addPrompts(reg *mcp.Registry) error {
	err := reg.AddPrompt(mcp.Prompt{
		Name:        "simple_prompt",
		Description: "一个简单的提示模板示例",
	}, []mcp.PromptMessage{
		textMessage(mcp.RoleAssistant, "你是一个有用的AI助手，请简洁直接地回答用户问题。"),
		textMessage(mcp.RoleUser, "请问今天天气如何？"),
	})
	if err != nil {
		return err
	}

	err = reg.AddPrompt(mcp.Prompt{
		Name:        "code_review",
		Description: "代码审查提示模板",
		Arguments: []mcp.PromptArgument{
			{Name: "code", Description: "要审查的代码", Required: true},
			{Name: "language", Description: "代码的编程语言", Required: true},
		},
	}, []mcp.PromptMessage{
		textMessage(mcp.RoleAssistant, "你是一个专业的代码审查专家。请对提供的代码进行全面审查，指出潜在问题和改进建议。"),
		textMessage(mcp.RoleUser, "请审查以下{{language}}代码:\n\n```{{language}}\n{{code}}\n```\n\n提供详细的改进建议和最佳实践。"),
	})
	if err != nil {
		return err
	}

	for _, tp := range templatePrompts {
		if err := reg.AddPrompt(tp.prompt, []mcp.PromptMessage{textMessage(mcp.RoleUser, tp.text)}); err != nil {
			return err
		}
	}
	return nil
}

type templatePrompt struct {
	prompt mcp.Prompt
	text   string
}

// templatePrompts render a single user message. Optional arguments fall back to their defaults.
var templatePrompts = []templatePrompt{
	{
		prompt: mcp.Prompt{
			Name:        "email-template",
			Description: "电子邮件模板: 生成一封专业的电子邮件",
			Arguments: []mcp.PromptArgument{
				{Name: "recipient", Description: "收件人名称", Required: true},
				{Name: "topic", Description: "邮件主题", Required: true},
				{Name: "tone", Description: "邮件语气 (正式/友好/专业)", Default: "专业"},
			},
		},
		text: "请为我写一封发给{{recipient}}的电子邮件，主题是{{topic}}。\n请使用{{tone}}的语气。\n" +
			"邮件应该包含：\n- 开场白\n- 主要内容\n- 结束语\n- 签名",
	},
	{
		prompt: mcp.Prompt{
			Name:        "summary-template",
			Description: "文本总结: 将长文本总结为简洁的要点",
			Arguments: []mcp.PromptArgument{
				{Name: "text", Description: "需要总结的文本", Required: true},
				{Name: "length", Description: "总结长度 (简短/中等/详细)", Default: "中等"},
			},
		},
		text: "请将以下文本总结为{{length}}的要点列表：\n\n{{text}}\n\n" +
			"总结要求：\n- 保留关键信息\n- 使用清晰的语言\n- 按重要性排序",
	},
	{
		prompt: mcp.Prompt{
			Name:        "customer-service",
			Description: "客户服务回复: 生成针对客户问题的专业回复",
			Arguments: []mcp.PromptArgument{
				{Name: "issue", Description: "客户问题", Required: true},
				{Name: "product", Description: "产品名称", Required: true},
				{Name: "tone", Description: "回复语气 (礼貌/同情/专业)", Default: "专业"},
			},
		},
		text: "请为以下客户问题生成一个{{tone}}的回复：\n\n客户问题：{{issue}}\n产品名称：{{product}}\n\n" +
			"回复应包含：\n- 问候语\n- 对问题的理解\n- 解决方案\n- 后续支持\n- 结束语",
	},
	{
		prompt: mcp.Prompt{
			Name:        "custom-prompt",
			Description: "自定义提示模板: 根据场景和目标生成个性化提示",
			Arguments: []mcp.PromptArgument{
				{Name: "scenario", Description: "应用场景", Required: true},
				{Name: "goal", Description: "提示目标", Required: true},
				{Name: "requirements", Description: "额外要求", Default: "无特殊要求"},
			},
		},
		text: "请为我生成一个针对{{scenario}}场景的提示模板，目标是{{goal}}。\n额外要求: {{requirements}}",
	},
}

func textMessage(role mcp.Role, text string) mcp.PromptMessage {
	return mcp.PromptMessage{
		Role: role,
		Content: mcp.Content{
			Type: mcp.ContentTypeText,
			Text: text,
		},
	}
}

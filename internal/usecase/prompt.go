package usecase

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"care-mediator/internal/domain"
)

type decisionPayload struct {
	Reply      string `json:"reply"`
	ReportText string `json:"report_text"`
	Discuss    bool   `json:"discuss"`
}

type promptContext struct {
	persona          string
	caregiverProfile domain.Profile
	subjectProfile   domain.Profile
}

// composeTranscript prepends the role-specific system instruction to the
// participant's trimmed history.
func composeTranscript(role domain.Role, pc promptContext, history []domain.ChatMessage) []domain.ChatMessage {
	messages := []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: systemPrompt(role, pc)},
	}
	return append(messages, history...)
}

func systemPrompt(role domain.Role, pc promptContext) string {
	switch role {
	case domain.RoleCaregiver:
		return caregiverSystemPrompt(pc)
	case domain.RoleSubject:
		return subjectSystemPrompt(pc)
	default:
		return otherSystemPrompt(pc)
	}
}

func caregiverSystemPrompt(pc promptContext) string {
	return strings.Join([]string{
		strings.TrimSpace(pc.persona),
		"",
		fmt.Sprintf("現在、%sと会話しています。%sで応答してください。", pc.caregiverProfile.Name(), toneOrDefault(pc.caregiverProfile)),
		"",
		"相手のプロフィール:",
		profileJSON(pc.caregiverProfile),
		"ご家族のプロフィール:",
		profileJSON(pc.subjectProfile),
		"",
		"毎回の応答で、会話にご家族へ伝えるべき事柄が含まれるかを判断してください。",
		"- reply: 相手への返答",
		"- report_text: ご家族へ伝えるべき内容の要約。伝えるべきことがなければ空文字にしてください。",
		"- discuss: 送信前にご家族の確認が必要なら true、そのまま伝えてよければ false。",
	}, "\n")
}

func subjectSystemPrompt(pc promptContext) string {
	return strings.Join([]string{
		strings.TrimSpace(pc.persona),
		"",
		fmt.Sprintf("現在、ご家族の%sと会話しています。%sで応答してください。", pc.subjectProfile.Name(), toneOrDefault(pc.subjectProfile)),
		"",
		"ご家族のプロフィール:",
		profileJSON(pc.subjectProfile),
	}, "\n")
}

func otherSystemPrompt(pc promptContext) string {
	return strings.Join([]string{
		strings.TrimSpace(pc.persona),
		"",
		"現在、登録外の相手と会話しています。個人情報には触れず、丁寧な敬語で簡潔に応答してください。",
	}, "\n")
}

func toneOrDefault(p domain.Profile) string {
	if tone := strings.TrimSpace(p["tone"]); tone != "" {
		return tone
	}
	return "丁寧な敬語"
}

func profileJSON(p domain.Profile) string {
	raw, err := json.Marshal(p)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// digestTranscript builds the request for an on-demand summary of the
// caregiver's recent conversation.
func digestTranscript(pc promptContext, transcript string) []domain.ChatMessage {
	return []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: strings.Join([]string{
			strings.TrimSpace(pc.persona),
			"",
			fmt.Sprintf("以下は%sとの最近の会話記録です。ご家族向けに、体調や気になる点を中心に簡潔に要約してください。", pc.caregiverProfile.Name()),
		}, "\n")},
		{Role: domain.RoleUser, Content: transcript},
	}
}

// formatTranscript renders user/assistant turns as labelled lines.
func formatTranscript(msgs []domain.ChatMessage, speakerName string) string {
	var b strings.Builder
	for _, m := range msgs {
		switch m.Role {
		case domain.RoleUser:
			fmt.Fprintf(&b, "%s: %s\n", speakerName, m.Content)
		case domain.RoleAssistant:
			fmt.Fprintf(&b, "応答: %s\n", m.Content)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// parseDecision validates the schema-constrained decision payload. Unknown
// fields and trailing values are rejected; a malformed payload is a decision
// failure, never a relay.
func parseDecision(raw string) (domain.DecisionResult, error) {
	var out decisionPayload
	dec := json.NewDecoder(bytes.NewBufferString(strings.TrimSpace(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return domain.DecisionResult{}, fmt.Errorf("usecase: decode decision: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return domain.DecisionResult{}, errors.New("usecase: decode decision: multiple JSON values")
		}
		return domain.DecisionResult{}, fmt.Errorf("usecase: decode decision trailing data: %w", err)
	}
	return domain.DecisionResult{
		Reply:      out.Reply,
		ReportText: out.ReportText,
		Discuss:    out.Discuss,
	}, nil
}

package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"care-mediator/internal/domain"
)

const (
	messageTypeText = "text"

	confirmKeyword         = "はい"
	digestCommand          = "@digest"
	digestPattern          = "まとめて"
	setCaregiverProfileCmd = "@setCaregiverProfile"
	setSubjectProfileCmd   = "@setSubjectProfile"

	msgProfileUpdated = "プロフィールを更新しました ✅"
	msgProfileInvalid = "JSON が不正です ❌"
	msgGenericApology = "申し訳ありません。ただいま応答できません。しばらくしてからもう一度お試しください。"
	msgFallbackReply  = "承知しました。"
	msgNoHistory      = "まだ会話の記録がありません。"

	defaultDigestWindow = 20
)

var (
	defaultCaregiverProfile = domain.Profile{"name": "お母様", "tone": "やさしい敬語"}
	defaultSubjectProfile   = domain.Profile{"name": "ご家族", "tone": "冷静で思いやりのある敬語"}
)

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
	Decide(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
}

// Messenger delivers outbound messages. Reply is bound to the triggering
// inbound event and single use; Push is unsolicited.
type Messenger interface {
	Reply(ctx context.Context, replyToken, text string) error
	Push(ctx context.Context, to, text string) error
}

// Event is one inbound webhook delivery, processed independently of any
// other event in the same batch.
type Event struct {
	SenderID    string
	MessageType string
	Text        string
	ReplyToken  string
}

// Participants is the static two-identity configuration. Any sender matching
// neither ID is treated as an outside conversational contact with no relay
// rights.
type Participants struct {
	CaregiverID string
	SubjectID   string
}

type subjectCommand struct {
	prefix string
	run    func(ctx context.Context, ev Event, payload string, pc promptContext) error
}

// MediationService is the top-level dispatcher: it resolves the sender's
// role, routes administrative commands, and drives the conversation log,
// decision engine, and approval coordinator for ordinary turns.
type MediationService struct {
	params        ParamGetter
	llm           LLMClient
	messenger     Messenger
	conversations *ConversationLog
	profiles      *ProfileService
	approval      *ApprovalCoordinator
	participants  Participants
	paramPrefix   string
	digestWindow  int

	commands []subjectCommand

	cacheMu     sync.RWMutex
	cacheLoaded bool
	persona     string
	openaiModel string
}

func NewMediationService(
	p ParamGetter,
	llm LLMClient,
	messenger Messenger,
	conversations *ConversationLog,
	profiles *ProfileService,
	approval *ApprovalCoordinator,
	participants Participants,
	paramPrefix string,
	digestWindow int,
) (*MediationService, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if messenger == nil {
		return nil, errors.New("usecase: messenger must not be nil")
	}
	if conversations == nil {
		return nil, errors.New("usecase: conversation log must not be nil")
	}
	if profiles == nil {
		return nil, errors.New("usecase: profile service must not be nil")
	}
	if approval == nil {
		return nil, errors.New("usecase: approval coordinator must not be nil")
	}
	if strings.TrimSpace(participants.CaregiverID) == "" || strings.TrimSpace(participants.SubjectID) == "" {
		return nil, errors.New("usecase: participant ids must not be empty")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if digestWindow <= 0 {
		digestWindow = defaultDigestWindow
	}

	s := &MediationService{
		params:        p,
		llm:           llm,
		messenger:     messenger,
		conversations: conversations,
		profiles:      profiles,
		approval:      approval,
		participants:  participants,
		paramPrefix:   paramPrefix,
		digestWindow:  digestWindow,
	}
	s.commands = []subjectCommand{
		{prefix: setCaregiverProfileCmd, run: func(ctx context.Context, ev Event, payload string, _ promptContext) error {
			return s.handleSetProfile(ctx, ev, s.participants.CaregiverID, payload)
		}},
		{prefix: setSubjectProfileCmd, run: func(ctx context.Context, ev Event, payload string, _ promptContext) error {
			return s.handleSetProfile(ctx, ev, s.participants.SubjectID, payload)
		}},
		{prefix: digestCommand, run: func(ctx context.Context, ev Event, _ string, pc promptContext) error {
			return s.handleDigest(ctx, ev, pc)
		}},
	}
	return s, nil
}

// HandleEvent processes one inbound event to completion: at most one reply to
// the sender plus any relay/proposal pushes the decision requires.
func (s *MediationService) HandleEvent(ctx context.Context, ev Event) error {
	if ev.MessageType != messageTypeText {
		return nil
	}
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return nil
	}

	if err := s.ensureConfig(ctx); err != nil {
		return newError(ErrorInternal, "ssm_load_error", err)
	}

	role := s.resolveRole(ev.SenderID)

	caregiverProfile, err := s.profiles.GetOrInit(ctx, s.participants.CaregiverID, defaultCaregiverProfile)
	if err != nil {
		return newError(ErrorInternal, "profile_error", err)
	}
	subjectProfile, err := s.profiles.GetOrInit(ctx, s.participants.SubjectID, defaultSubjectProfile)
	if err != nil {
		return newError(ErrorInternal, "profile_error", err)
	}
	pc := promptContext{
		persona:          s.cachedPersona(),
		caregiverProfile: caregiverProfile,
		subjectProfile:   subjectProfile,
	}

	if role == domain.RoleSubject {
		handled, err := s.dispatchSubjectCommand(ctx, ev, text, pc)
		if handled || err != nil {
			return err
		}
	}

	return s.converse(ctx, ev, role, pc, text)
}

func (s *MediationService) resolveRole(senderID string) domain.Role {
	switch senderID {
	case s.participants.CaregiverID:
		return domain.RoleCaregiver
	case s.participants.SubjectID:
		return domain.RoleSubject
	default:
		return domain.RoleOther
	}
}

// dispatchSubjectCommand routes subject-only commands: profile overrides,
// the confirmation keyword, and the digest request. It reports whether the
// event was consumed; an unconsumed event falls through to ordinary
// conversation — in particular the confirmation keyword sent while no
// proposal is held.
func (s *MediationService) dispatchSubjectCommand(ctx context.Context, ev Event, text string, pc promptContext) (bool, error) {
	for _, cmd := range s.commands {
		if strings.HasPrefix(text, cmd.prefix) {
			payload := strings.TrimSpace(strings.TrimPrefix(text, cmd.prefix))
			return true, cmd.run(ctx, ev, payload, pc)
		}
	}

	if strings.EqualFold(text, confirmKeyword) {
		confirmed, err := s.approval.Confirm(ctx)
		if err != nil {
			return true, newError(ErrorInternal, "pending_relay_error", err)
		}
		if confirmed {
			return true, s.reply(ctx, ev, fmt.Sprintf("%sにお伝えしました。", pc.caregiverProfile.Name()))
		}
		return false, nil
	}

	if strings.Contains(text, digestPattern) {
		return true, s.handleDigest(ctx, ev, pc)
	}
	return false, nil
}

// handleSetProfile merges the JSON payload into the target participant's
// profile. Malformed JSON is recovered locally: a validation message is sent
// and nothing is mutated.
func (s *MediationService) handleSetProfile(ctx context.Context, ev Event, targetID, payload string) error {
	var partial domain.Profile
	if err := json.Unmarshal([]byte(payload), &partial); err != nil {
		return s.reply(ctx, ev, msgProfileInvalid)
	}
	if err := s.profiles.Update(ctx, targetID, partial); err != nil {
		return newError(ErrorInternal, "profile_write_error", err)
	}
	return s.reply(ctx, ev, msgProfileUpdated)
}

// handleDigest summarizes a bounded recent window of the caregiver's
// conversation. Read-only with respect to the approval state.
func (s *MediationService) handleDigest(ctx context.Context, ev Event, pc promptContext) error {
	history, err := s.conversations.Load(ctx, s.participants.CaregiverID)
	if err != nil {
		return newError(ErrorInternal, "history_read_error", err)
	}
	window := recentTurns(history, s.digestWindow)
	if len(window) == 0 {
		return s.reply(ctx, ev, msgNoHistory)
	}

	transcript := formatTranscript(window, pc.caregiverProfile.Name())
	summary, err := s.llm.Chat(ctx, s.cachedModel(), digestTranscript(pc, transcript))
	if err != nil {
		slog.Error("digest summary failed", "err", err)
		return s.reply(ctx, ev, msgGenericApology)
	}
	return s.reply(ctx, ev, transcript+"\n---\n"+summary)
}

// converse is the default path: record the sender's turn, ask the model, let
// the approval coordinator act on a caregiver decision, reply, record the
// assistant's turn.
func (s *MediationService) converse(ctx context.Context, ev Event, role domain.Role, pc promptContext, text string) error {
	history, err := s.conversations.AppendAndTrim(ctx, ev.SenderID, domain.ChatMessage{Role: domain.RoleUser, Content: text})
	if err != nil {
		return newError(ErrorInternal, "history_write_error", err)
	}

	transcript := composeTranscript(role, pc, history)

	var reply string
	if role == domain.RoleCaregiver {
		decision, derr := s.decide(ctx, transcript)
		if derr != nil {
			// the sender's turn is already recorded; degrade to the apology
			slog.Error("decision failed", "err", derr)
			return s.reply(ctx, ev, msgGenericApology)
		}
		if err := s.approval.Apply(ctx, decision); err != nil {
			return newError(ErrorInternal, "relay_error", err)
		}
		reply = strings.TrimSpace(decision.Reply)
		if reply == "" {
			reply = msgFallbackReply
		}
	} else {
		reply, err = s.llm.Chat(ctx, s.cachedModel(), transcript)
		if err != nil {
			slog.Error("chat failed", "err", err)
			return s.reply(ctx, ev, msgGenericApology)
		}
	}

	if err := s.reply(ctx, ev, reply); err != nil {
		return err
	}
	if _, err := s.conversations.AppendAndTrim(ctx, ev.SenderID, domain.ChatMessage{Role: domain.RoleAssistant, Content: reply}); err != nil {
		return newError(ErrorInternal, "history_write_error", err)
	}
	return nil
}

func (s *MediationService) decide(ctx context.Context, transcript []domain.ChatMessage) (domain.DecisionResult, error) {
	raw, err := s.llm.Decide(ctx, s.cachedModel(), transcript)
	if err != nil {
		return domain.DecisionResult{}, newError(ErrorDecision, "llm_decide_error", err)
	}
	d, err := parseDecision(raw)
	if err != nil {
		return domain.DecisionResult{}, newError(ErrorDecision, "malformed_decision", err)
	}
	return d, nil
}

func (s *MediationService) reply(ctx context.Context, ev Event, text string) error {
	if err := s.messenger.Reply(ctx, ev.ReplyToken, text); err != nil {
		return newError(ErrorUpstream, "reply_error", err)
	}
	return nil
}

// recentTurns filters to user/assistant turns and keeps the newest limit.
func recentTurns(msgs []domain.ChatMessage, limit int) []domain.ChatMessage {
	filtered := make([]domain.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == domain.RoleUser || m.Role == domain.RoleAssistant {
			filtered = append(filtered, m)
		}
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return filtered
}

func (s *MediationService) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	persona, err := s.params.GetParameter(ctx, s.paramPrefix+"/mediator_prompt")
	if err != nil {
		return fmt.Errorf("usecase: load mediator prompt: %w", err)
	}
	model, err := s.params.GetParameter(ctx, s.paramPrefix+"/config/openai_model")
	if err != nil {
		return fmt.Errorf("usecase: load openai model: %w", err)
	}

	s.persona = persona
	s.openaiModel = model
	s.cacheLoaded = true
	return nil
}

func (s *MediationService) cachedPersona() string {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.persona
}

func (s *MediationService) cachedModel() string {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.openaiModel
}

package filter

import (
	"testing"

	"github.com/BTreeMap/CRMPipe/internal/dsl"
	"github.com/BTreeMap/CRMPipe/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func proposal(kind models.ActionKind, value string) models.ProposedAction {
	return models.ProposedAction{Kind: kind, Value: value}
}

func kinds(actions []models.ProposedAction) []models.ActionKind {
	out := make([]models.ActionKind, 0, len(actions))
	for _, a := range actions {
		out = append(out, a.Kind)
	}
	return out
}

func TestApplyKeepsOnlyConfiguredField(t *testing.T) {
	res := Apply(Input{
		Proposed: []models.ProposedAction{
			proposal(models.ActionSetField, "estado:SP"),
			proposal(models.ActionSetField, "telefone:11999990000"),
		},
		Allowed: dsl.Configured("Pergunte o estado e use @set-field:estado:{estado}"),
	}, DefaultConfig())

	require.Len(t, res.Executable, 1)
	assert.Equal(t, "estado:SP", res.Executable[0].Value)
	require.Len(t, res.Discarded, 1)
	assert.Equal(t, ReasonFieldNotConfigured, res.Discarded[0].Reason)
}

func TestApplyCapsStructuralActions(t *testing.T) {
	script := "@tag:vip @transfer:humano @follow-up:amanha @end-conversation @stage-move:Vendas:Fechado @set-field:email:{email} @set-name:{nome}"
	res := Apply(Input{
		Proposed: []models.ProposedAction{
			proposal(models.ActionTag, "vip"),
			proposal(models.ActionTransfer, "humano"),
			proposal(models.ActionSetField, "email:a@b.com"),
			proposal(models.ActionFollowUp, "amanha 10:00|retorno"),
			proposal(models.ActionEndConversation, ""),
			proposal(models.ActionStageMove, "Vendas:Fechado"),
			proposal(models.ActionSetName, "Maria"),
		},
		Allowed: dsl.Configured(script),
	}, DefaultConfig())

	assert.Equal(t, []models.ActionKind{models.ActionSetField, models.ActionStageMove, models.ActionSetName}, kinds(res.Executable))
	assert.Len(t, res.Discarded, 4)
	for _, d := range res.Discarded {
		assert.Equal(t, ReasonStructuralCap, d.Reason)
	}
}

func TestApplyPriorityPrefersCreateDeal(t *testing.T) {
	res := Apply(Input{
		Proposed: []models.ProposedAction{
			proposal(models.ActionTag, "vip"),
			proposal(models.ActionCreateDeal, "Vendas/Novo"),
			proposal(models.ActionGotoStage, "Fechamento"),
		},
		Allowed: dsl.Configured("@tag:vip @create-deal:Vendas/Novo @goto-stage:Fechamento"),
	}, DefaultConfig())

	require.Len(t, res.Executable, 1)
	assert.Equal(t, models.ActionCreateDeal, res.Executable[0].Kind)
}

func TestApplyDeduplicates(t *testing.T) {
	res := Apply(Input{
		Proposed: []models.ProposedAction{
			proposal(models.ActionTag, "vip"),
			proposal(models.ActionTag, "VIP"),
		},
		Allowed: dsl.Configured("@tag:vip"),
	}, DefaultConfig())

	require.Len(t, res.Executable, 1)
	assert.Equal(t, "vip", res.Executable[0].Value)
	require.Len(t, res.Discarded, 1)
	assert.Equal(t, ReasonDuplicate, res.Discarded[0].Reason)
}

func TestApplyDropsUnconfiguredKinds(t *testing.T) {
	res := Apply(Input{
		Proposed: []models.ProposedAction{
			proposal(models.ActionTransfer, "humano"),
			proposal(models.ActionSetName, "Maria"),
			proposal(models.ActionVerifyClient, ""),
		},
		Allowed: dsl.Configured("Nenhuma ação aqui"),
	}, DefaultConfig())

	assert.Equal(t, []models.ActionKind{models.ActionSetName, models.ActionVerifyClient}, kinds(res.Executable))
	require.Len(t, res.Discarded, 1)
	assert.Equal(t, ReasonNotConfigured, res.Discarded[0].Reason)
}

func TestApplySubstitutesPlaceholderWithUserMessage(t *testing.T) {
	res := Apply(Input{
		Proposed: []models.ProposedAction{
			proposal(models.ActionSetField, "email:{email}"),
			proposal(models.ActionSetField, "cidade:"),
		},
		Allowed:     dsl.Configured("@set-field:email:{email} @set-field:cidade:{cidade}"),
		UserMessage: "  joao@exemplo.com.br \n",
	}, DefaultConfig())

	require.Len(t, res.Executable, 2)
	assert.Equal(t, "email:joao@exemplo.com.br", res.Executable[0].Value)
	assert.Equal(t, "cidade:joao@exemplo.com.br", res.Executable[1].Value)
}

func TestApplyExpectedFieldNarrowsCapture(t *testing.T) {
	res := Apply(Input{
		Proposed: []models.ProposedAction{
			proposal(models.ActionSetField, "email:a@b.com"),
			proposal(models.ActionSetField, "cidade:Recife"),
		},
		Allowed:       dsl.Configured("@set-field:email:{email} @set-field:cidade:{cidade}"),
		ExpectedField: "Cidade",
	}, DefaultConfig())

	require.Len(t, res.Executable, 1)
	assert.Equal(t, "cidade:Recife", res.Executable[0].Value)
	assert.Equal(t, ReasonUnexpectedField, res.Discarded[0].Reason)
}

func TestApplyPassesExecutedActionsThrough(t *testing.T) {
	res := Apply(Input{
		Proposed: []models.ProposedAction{
			{Kind: models.ActionScheduling, Value: "check|Agenda", Executed: true},
			{Kind: models.ActionScheduling, Value: "create|Agenda|2025-03-10 10:00", Executed: true},
			proposal(models.ActionTag, "vip"),
		},
		Allowed: dsl.Configured("@tag:vip"),
	}, DefaultConfig())

	assert.Len(t, res.Executable, 3)
	assert.Empty(t, res.Discarded)
}

func TestApplyCaptureCap(t *testing.T) {
	cfg := DefaultConfig()
	var proposed []models.ProposedAction
	script := ""
	for _, f := range []string{"a1", "a2", "a3", "a4", "a5", "a6"} {
		script += " @set-field:" + f + ":{x}"
		proposed = append(proposed, proposal(models.ActionSetField, f+":v"))
	}
	res := Apply(Input{Proposed: proposed, Allowed: dsl.Configured(script)}, cfg)
	assert.Len(t, res.Executable, cfg.CaptureCap)
	require.Len(t, res.Discarded, 1)
	assert.Equal(t, ReasonCaptureCap, res.Discarded[0].Reason)
}

func TestApplyDropsRemainingPlaceholders(t *testing.T) {
	res := Apply(Input{
		Proposed: []models.ProposedAction{proposal(models.ActionSetName, "{nome}")},
		Allowed:  dsl.Configured("@set-name:{nome}"),
	}, DefaultConfig())
	assert.Empty(t, res.Executable)
	assert.Equal(t, ReasonPlaceholder, res.Discarded[0].Reason)
}

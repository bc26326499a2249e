package dsl

import (
	"strings"
	"testing"

	"github.com/BTreeMap/CRMPipe/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQuotedValueKeepsSpaces(t *testing.T) {
	toks := Parse(`Quando ele responder, use @set-field:email:"a b" e siga.`)
	require.Len(t, toks, 1)
	assert.Equal(t, models.ActionSetField, toks[0].Kind)
	assert.Equal(t, "email", toks[0].Target)
	assert.Equal(t, "a b", toks[0].Value)
	assert.True(t, toks[0].HasValue)
	assert.True(t, toks[0].Quoted)
}

func TestParseUnquotedForms(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		kind   models.ActionKind
		target string
		value  string
	}{
		{"bare kind", "Depois disso @end-conversation.", models.ActionEndConversation, "", ""},
		{"target with trailing period", "Marque @tag:vip.", models.ActionTag, "vip", ""},
		{"target and value", "Mova com @stage-move:Vendas:Qualificado!", models.ActionStageMove, "Vendas", "Qualificado"},
		{"compound target", "use @create-deal:Vendas/Proposta;", models.ActionCreateDeal, "Vendas/Proposta", ""},
		{"value with colon", "@set-field:horario:14:30,", models.ActionSetField, "horario", "14:30"},
		{"underscore alias", "@set_name:Maria?", models.ActionSetName, "Maria", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			toks := Parse(tt.text)
			require.Len(t, toks, 1)
			assert.Equal(t, tt.kind, toks[0].Kind)
			assert.Equal(t, tt.target, toks[0].Target)
			assert.Equal(t, tt.value, toks[0].Value)
		})
	}
}

func TestParseKeepsTextOrderAndSkipsEmails(t *testing.T) {
	text := `Envie para joao@example.com. Primeiro @tag:lead, depois @set-field:cidade:"São Paulo" e @notify:vendas:"novo lead".`
	toks := Parse(text)
	require.Len(t, toks, 3)
	assert.Equal(t, models.ActionTag, toks[0].Kind)
	assert.Equal(t, models.ActionSetField, toks[1].Kind)
	assert.Equal(t, "São Paulo", toks[1].Value)
	assert.Equal(t, models.ActionNotify, toks[2].Kind)
	assert.Equal(t, "novo lead", toks[2].Value)
}

func TestQuotedSpanIsNotRescanned(t *testing.T) {
	toks := Parse(`@notify:gerente:"cliente pediu @tag:vip"`)
	require.Len(t, toks, 1)
	assert.Equal(t, models.ActionNotify, toks[0].Kind)
	assert.Equal(t, "cliente pediu @tag:vip", toks[0].Value)
}

func TestUnknownKindIgnored(t *testing.T) {
	assert.Empty(t, Parse("fale com @suporte agora"))
}

func TestPlaceholderExcludedFromParse(t *testing.T) {
	text := "Pergunte o email e registre com @set-field:email:{email do cliente}."
	assert.Empty(t, Parse(text))

	all := Scan(text)
	require.Len(t, all, 1)
	assert.True(t, all[0].IsPlaceholder())

	inst := Placeholders(text)
	require.Len(t, inst, 1)
	assert.Equal(t, "{email do cliente}", inst[0].Marker)
	assert.Contains(t, inst[0].Text, "{email do cliente}")
	assert.Contains(t, inst[0].Text, "email:maria@example.com")
}

func TestPlaceholdersDeduplicateSameTemplate(t *testing.T) {
	text := "Use @set-field:cpf:{cpf}. Se errar, repita @set-field:cpf:{cpf}. Nome: @set-name:{nome}"
	inst := Placeholders(text)
	require.Len(t, inst, 2)
	assert.Equal(t, "{cpf}", inst[0].Marker)
	assert.Equal(t, "{nome}", inst[1].Marker)
}

func TestConfigured(t *testing.T) {
	prompt := "Você é a assistente. Use @tag:lead quando fizer sentido."
	stage := "Pergunte o estado e use @set-field:estado:{estado}. Depois @stage-move:Vendas:Qualificado"
	cs := Configured(prompt, stage)

	assert.Equal(t, []models.ActionKind{models.ActionStageMove, models.ActionTag, models.ActionSetField}, cs.Kinds())
	assert.Equal(t, []string{"estado"}, cs.Fields())
	assert.True(t, cs.HasField("Estado"))
	assert.False(t, cs.HasField("telefone"))
	assert.True(t, cs.Allows(models.ActionVerifyClient))
	assert.False(t, cs.Allows(models.ActionTransfer))
	assert.False(t, cs.Empty())
	assert.True(t, Configured("sem ações").Empty())
}

func TestStrip(t *testing.T) {
	got := Strip("Perfeito, anotei! @tag:vip\n\n\n@set-field:email:x@y.com Até logo @end-conversation.")
	assert.Equal(t, "Perfeito, anotei!\n\nAté logo.", got)
	assert.Equal(t, "sem tokens", Strip("sem tokens"))
}

func TestParserAliases(t *testing.T) {
	p := New(WithAliases(map[string]models.ActionKind{"etiqueta": models.ActionTag}))
	toks := p.Parse("use @Etiqueta:vip")
	require.Len(t, toks, 1)
	assert.Equal(t, models.ActionTag, toks[0].Kind)
	assert.Empty(t, Parse("use @etiqueta:vip"))
}

func TestToolValueAndDecode(t *testing.T) {
	tok := Parse(`@scheduling:create:"Agenda Comercial"`)[0]
	assert.Equal(t, "create|Agenda Comercial", ToolValue(tok))

	tests := []struct {
		kind  models.ActionKind
		value string
		want  Action
	}{
		{models.ActionStageMove, "Vendas:Qualificado", StageMove{Pipeline: "Vendas", Stage: "Qualificado"}},
		{models.ActionStageMove, "Vendas/Qualificado", StageMove{Pipeline: "Vendas", Stage: "Qualificado"}},
		{models.ActionStageMove, "Qualificado", StageMove{Stage: "Qualificado"}},
		{models.ActionCreateDeal, "Vendas/Proposta:Plano anual", CreateDeal{Pipeline: "Vendas", Stage: "Proposta", Title: "Plano anual"}},
		{models.ActionSetField, "email: a@b.com", SetField{Field: "email", Value: "a@b.com"}},
		{models.ActionNotify, "gerente:cliente quente", Notify{Target: "gerente", Message: "cliente quente"}},
		{models.ActionNotify, "cliente quente", Notify{Message: "cliente quente"}},
		{models.ActionScheduling, "check|Agenda|2025-03-10", Scheduling{Op: SchedulingCheck, Calendar: "Agenda", Value: "2025-03-10"}},
		{models.ActionScheduling, "create:Agenda:2025-03-10 14:00", Scheduling{Op: SchedulingCreate, Calendar: "Agenda", Value: "2025-03-10 14:00"}},
		{models.ActionFollowUp, "2025-03-10 14:00|ligar de volta", FollowUp{When: "2025-03-10 14:00", Reason: "ligar de volta"}},
		{models.ActionFollowUp, "09:30", FollowUp{When: "09:30"}},
		{models.ActionVerifyClient, "", VerifyClient{}},
		{models.ActionGotoStage, "Fechamento", GotoStage{Stage: "Fechamento"}},
	}
	for _, tt := range tests {
		got, err := Decode(tt.kind, tt.value)
		require.NoError(t, err, "%s %q", tt.kind, tt.value)
		assert.Equal(t, tt.want, got, "%s %q", tt.kind, tt.value)
		assert.Equal(t, tt.kind, got.Kind())
	}
}

func TestDecodeErrors(t *testing.T) {
	bad := []struct {
		kind  models.ActionKind
		value string
	}{
		{models.ActionTag, ""},
		{models.ActionScheduling, "teleport|Agenda"},
		{models.ActionScheduling, "create|Agenda"},
		{models.ActionSetField, ":x"},
		{models.ActionStageMove, ""},
		{models.ActionKind("nope"), "x"},
	}
	for _, b := range bad {
		_, err := Decode(b.kind, b.value)
		assert.Error(t, err, "%s %q", b.kind, b.value)
	}
}

func TestFieldOf(t *testing.T) {
	assert.Equal(t, "email", FieldOf(" email : a@b.com"))
	assert.Equal(t, "cpf", FieldOf("cpf"))
	assert.True(t, strings.HasPrefix(ToolValue(Token{Kind: models.ActionSetField, Target: "cpf", Value: "1", HasValue: true}), "cpf:"))
}

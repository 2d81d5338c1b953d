package normalize

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/jurishealth/internal/model"
)

func newTestNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	n, err := New(nil, "Belo Horizonte")
	require.NoError(t, err)
	return n
}

func TestCanonicalCaseNumber(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"masked cnj", "5001234-56.2024.8.13.0024", "5001234-56.2024.8.13.0024"},
		{"bare cnj", "50012345620248130024", "5001234-56.2024.8.13.0024"},
		{"spaces and slashes", " 5001234 56/2024 8 13 0024 ", "5001234-56.2024.8.13.0024"},
		{"missing leading zeros", "12345620248130024", "0001234-56.2024.8.13.0024"},
		{"opaque with letters", "c-2024-001", "C2024001"},
		{"too short for cnj", "2024001", "2024001"},
		{"ordinal indicator dropped", "Nº 123", "N123"},
		{"accented letters folded", "AÇÃO 12", "ACAO12"},
		{"opaque leading zeros", "C-0042", "C42"},
		{"all zeros", "000", "0"},
		{"twenty one digits stays opaque", "123456789012345678901", "123456789012345678901"},
		{"empty", " -./ ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanonicalCaseNumber(tt.raw))
		})
	}
}

// Any two spellings of the same number must share one key.
func TestCanonicalCaseNumber_Stable(t *testing.T) {
	spellings := []string{
		"5001234-56.2024.8.13.0024",
		"50012345620248130024",
		"5001234.56.2024.8.13.0024",
		"  5001234-56.2024.8.13.0024\n",
		"5001234_56_2024_8_13_0024",
	}
	want := CanonicalCaseNumber(spellings[0])
	for _, s := range spellings {
		got := CanonicalCaseNumber(s)
		assert.Equal(t, want, got, s)
		// idempotent
		assert.Equal(t, got, CanonicalCaseNumber(got))
	}
	assert.Equal(t, "C2024001", CanonicalCaseNumber(CanonicalCaseNumber("C-2024-001")))
}

func TestCanonicalCaseNumber_PaddingAndAccents(t *testing.T) {
	pairs := [][2]string{
		{"2024001", "0002024001"},
		{"1234567890123", "01234567890123"},
		{"12345620248130024", "0001234-56.2024.8.13.0024"},
		{"AÇÃO 12", "ACAO 12"},
		{"ação-12", "ACAO 012"},
		{"C-2024-001", "c 0002024001"},
	}
	for _, p := range pairs {
		a, b := CanonicalCaseNumber(p[0]), CanonicalCaseNumber(p[1])
		assert.Equal(t, a, b, "%q vs %q", p[0], p[1])
		assert.Equal(t, a, CanonicalCaseNumber(a), "idempotent for %q", p[0])
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"R$ 15.000,50", 1500050, true},
		{"15000.50", 1500050, true},
		{"45000.5", 4500050, true},
		{"15.000", 1500000, true},
		{"1.500.000", 150000000, true},
		{"R$1.234.567,89", 123456789, true},
		{"100", 10000, true},
		{"", 0, false},
		{"a combinar", 0, false},
		{"-10,00", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseAmount(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseDate(t *testing.T) {
	want := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	for _, in := range []string{"2024-01-15", "15/01/2024", "2024-01-15T13:45:00Z", "20240115134500", "2024-01-15T13:45:00"} {
		got, ok := ParseDate(in)
		require.True(t, ok, in)
		assert.True(t, want.Equal(got), in)
	}
	_, ok := ParseDate("15 de janeiro")
	assert.False(t, ok)
}

func TestSpecialties(t *testing.T) {
	n := newTestNormalizer(t)

	assert.Equal(t, []model.Specialty{model.SpecialtyChemotherapy, model.SpecialtyMedication},
		n.Specialties("Fornecimento de MEDICAMENTOS - Oncológico"))
	assert.Equal(t, []model.Specialty{model.SpecialtyHospitalization, model.SpecialtyIntensiveCare},
		n.Specialties("Internação em leito de UTI"))
	assert.Equal(t, []model.Specialty{model.SpecialtySurgery}, n.Specialties("Cirurgia bariátrica"))
	assert.Equal(t, []model.Specialty{model.SpecialtyUnclassified}, n.Specialties("Execução fiscal"))
	// "uti" must match a whole word only
	assert.Equal(t, []model.Specialty{model.SpecialtyUnclassified}, n.Specialties("utilidade pública"))
}

func TestCourt(t *testing.T) {
	n := newTestNormalizer(t)

	name, code := n.Court("TJMG", "")
	assert.Equal(t, "TJMG", code)
	assert.Equal(t, "Tribunal de Justiça de Minas Gerais", name)

	_, code = n.Court("Tribunal de Justiça do Estado de Minas Gerais", "")
	assert.Equal(t, "TJMG", code)

	_, code = n.Court("TJMG - 3ª Vara de Fazenda Pública", "")
	assert.Equal(t, "TJMG", code)

	_, code = n.Court("3ª Vara Cível", "5001234-56.2024.8.26.0100")
	assert.Equal(t, "TJSP", code)

	name, code = n.Court("  Juizado   Especial ", "C2024001")
	assert.Empty(t, code)
	assert.Equal(t, "Juizado Especial", name)
}

func TestCity(t *testing.T) {
	n := newTestNormalizer(t)

	name, code := n.City("Comarca de Belo Horizonte", "", "")
	assert.Equal(t, "Belo Horizonte", name)
	assert.Equal(t, "3106200", code)

	name, code = n.City("3170206", "", "")
	assert.Equal(t, "Uberlândia", name)
	assert.Equal(t, "3170206", code)

	name, _ = n.City("", "TJMG - Comarca de Contagem - 2ª Vara", "")
	assert.Equal(t, "Contagem", name)

	name, _ = n.City("", "TJMG", "pedido da comarca de Uberaba")
	assert.Equal(t, "Uberaba", name)

	name, code = n.City("Itaobim", "", "")
	assert.Equal(t, "Itaobim", name)
	assert.Empty(t, code)

	name, _ = n.City("", "TJMG", "medicamento")
	assert.Equal(t, "Belo Horizonte", name)

	bare, err := New(nil, "")
	require.NoError(t, err)
	name, code = bare.City("", "", "")
	assert.Empty(t, name)
	assert.Empty(t, code)
}

func TestNormalize(t *testing.T) {
	n := newTestNormalizer(t)

	c, err := n.Normalize(model.RawRecord{
		Origin:         model.OriginCourtScraper,
		RawCaseNumber:  "5001234-56.2024.8.13.0024",
		CourtName:      "TJMG - 3ª Vara de Fazenda Pública",
		City:           "Comarca de Belo Horizonte",
		FilingDate:     "15/01/2024",
		Subject:        "Fornecimento de medicamentos",
		EstimatedValue: "R$ 45.000,00",
		SourceRef:      "tjmg-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "5001234-56.2024.8.13.0024", c.CanonicalNumber)
	assert.Equal(t, "TJMG", c.CourtCode)
	assert.Equal(t, "3106200", c.CityCode)
	assert.Equal(t, []model.Specialty{model.SpecialtyMedication}, c.Specialties)
	require.NotNil(t, c.EstimatedValue)
	assert.Equal(t, int64(4500000), *c.EstimatedValue)
	require.NotNil(t, c.FilingDate)
	assert.Equal(t, "2024-01-15", c.FilingDate.Format("2006-01-02"))
	assert.Equal(t, model.OriginCourtScraper, c.Origin)
}

func TestNormalize_OptionalFieldsMissing(t *testing.T) {
	n := newTestNormalizer(t)

	c, err := n.Normalize(model.RawRecord{Origin: model.OriginJudicialAPI, RawCaseNumber: "50012345620248130024", EstimatedValue: "?", FilingDate: "ontem"})
	require.NoError(t, err)
	assert.Nil(t, c.EstimatedValue)
	assert.Nil(t, c.FilingDate)
	assert.Equal(t, "TJMG", c.CourtCode)
	assert.Equal(t, []model.Specialty{model.SpecialtyUnclassified}, c.Specialties)
}

func TestNormalize_RejectsMissingNumber(t *testing.T) {
	n := newTestNormalizer(t)
	_, err := n.Normalize(model.RawRecord{Origin: model.OriginCourtScraper, RawCaseNumber: "--", Subject: "medicamento"})
	assert.True(t, errors.Is(err, ErrRecordRejected))
}

func TestCandidate_NewCase(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	c := Candidate{CanonicalNumber: "C2024001", Origin: model.OriginJudicialAPI, Specialties: []model.Specialty{model.SpecialtySurgery}}
	cs := c.NewCase("id-1", now)
	assert.Equal(t, model.CaseStatusOpen, cs.Status)
	assert.Equal(t, now, cs.FirstSeenAt)
	assert.Equal(t, []model.Origin{model.OriginJudicialAPI}, cs.OriginSources)
}

func TestParseVocabulary_RejectsUnknownSpecialty(t *testing.T) {
	_, err := ParseVocabulary([]byte("vocabulary:\n  specialties:\n    dentistry: [dente]\n"))
	assert.Error(t, err)
}

func TestFold(t *testing.T) {
	assert.Equal(t, "internacao em uti", Fold("  Internação — em UTI "))
	assert.Equal(t, "sao paulo", Fold("SÃO-PAULO"))
}

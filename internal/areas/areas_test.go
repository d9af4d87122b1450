package areas

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify_Kiulap(t *testing.T) {
	require.Equal(t, Result{Area: "G", Locality: "KIULAP"}, Classify("123 Kiulap Road"))
}

func TestClassify_Deterministic(t *testing.T) {
	addrs := []string{"Simpang 22, Kg Lambak", "No 5 Seria", "unknown place", "123 Kiulap Road"}
	first := make([]Result, len(addrs))
	for i, a := range addrs {
		first[i] = Classify(a)
	}
	for n := 0; n < 3; n++ {
		for i := len(addrs) - 1; i >= 0; i-- {
			require.Equal(t, first[i], Classify(addrs[i]))
		}
	}
}

func TestClassify_FirstMatchWins(t *testing.T) {
	// В адресе есть и KIULAP, и BANDAR: правило KIULAP объявлено раньше.
	require.Equal(t, "KIULAP", Classify("Unit 3, Kiulap, Bandar Seri Begawan").Locality)
	require.Equal(t, "JALAN TUTONG", Classify("Jalan Tutong, Kampong Sinarubai").Locality)
	require.Equal(t, "TUT", Classify("Pekan Tutong").Area)
}

func TestClassify_CaseInsensitive(t *testing.T) {
	require.Equal(t, Classify("GADONG CENTRE"), Classify("gadong centre"))
}

func TestClassify_Unknown(t *testing.T) {
	r := Classify("221B Baker Street")
	require.True(t, r.IsUnknown())
	require.Equal(t, Result{Area: Unknown, Locality: Unknown}, r)
	require.True(t, Classify("").IsUnknown())
}

func TestNew_Errors(t *testing.T) {
	_, err := New([]byte(`rules: []`))
	require.Error(t, err)

	_, err = New([]byte(`rules: [{match: [], area: X}]`))
	require.Error(t, err)

	_, err = New([]byte(`rules: [unclosed`))
	require.Error(t, err)
}

func TestNew_CustomRules(t *testing.T) {
	c, err := New([]byte(`
version: "t1"
rules:
  - match: [alpha]
    area: A1
    locality: ALPHA
`))
	require.NoError(t, err)
	require.Equal(t, "t1", c.Version())
	require.Equal(t, Result{Area: "A1", Locality: "ALPHA"}, c.Classify("x ALPHA y"))
	require.NotEmpty(t, Default().Version())
}

package gogoodwe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		serial string
		family Family
		ok     bool
	}{
		{"9010KETU000W0000", FamilyET, true},
		{"5010KEHU00000000", FamilyET, true},
		{"8600BHUA00000000", FamilyET, true},
		{"5048EMU000000001", FamilyES, true},
		{"3600BPS000000000", FamilyES, true},
		{"GW10KDTU00000001", FamilyDT, true},
		{"5000MSU000000000", FamilyDT, true},
		{"GW5KDSN000000001", FamilyDT, true},
		{"0000000000000000", "", false},
		{"", "", false},
		// Both an ET ("ETU") and an ES ("ESU") tag: ET is checked first.
		{"ESUETU0000000000", FamilyET, true},
	}
	for _, tt := range tests {
		t.Run(tt.serial, func(t *testing.T) {
			family, ok := Classify(tt.serial)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.family, family)
		})
	}
}

func TestModelFeatures(t *testing.T) {
	assert.True(t, isSinglePhase("GW5KDSN000000001"))
	assert.True(t, isSinglePhase("5048EHB000000000"))
	assert.False(t, isSinglePhase("9010KETU000W0000"))

	assert.True(t, is3MPPT("GW25KET000000000"))
	assert.True(t, is3MPPT("5000MSU000000000"))
	assert.False(t, is3MPPT("GW10KDTU00000001"))

	assert.True(t, is4MPPT("9010KEHB000W0000"))
	assert.False(t, is4MPPT("9010KETU000W0000"))
}

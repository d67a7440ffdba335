package dataobject

import (
	"testing"

	"github.com/haggle-project/haggled/internal/attribute"
	"github.com/stretchr/testify/require"
)

func TestIDIsPureFunctionOfAttributes(t *testing.T) {
	a := New()
	a.AddAttribute(attribute.New("Topic", "weather"))

	b := New()
	b.AddAttribute(attribute.New("Topic", "weather"))

	require.Equal(t, a.ID(), b.ID())
}

func TestIDIgnoresWeight(t *testing.T) {
	a := New()
	a.AddAttribute(attribute.NewWeighted("Topic", "weather", 1))

	b := New()
	b.AddAttribute(attribute.NewWeighted("Topic", "weather", 99))

	require.Equal(t, a.ID(), b.ID())
}

func TestIDChangesWithAttributes(t *testing.T) {
	a := New()
	a.AddAttribute(attribute.New("Topic", "weather"))
	id1 := a.ID()

	a.AddAttribute(attribute.New("Topic", "storm"))
	id2 := a.ID()

	require.NotEqual(t, id1, id2)
}

func TestIDInvalidatedOnAttributeChange(t *testing.T) {
	d := New()
	d.AddAttribute(attribute.New("x", "1"))
	first := d.ID()

	d.SetAttributes(attribute.NewSet(attribute.New("x", "2")))
	second := d.ID()

	require.NotEqual(t, first, second)
}

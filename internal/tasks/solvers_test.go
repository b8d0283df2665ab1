package tasks

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"histalign/internal/registration"
)

func TestSolverManagerDefaults(t *testing.T) {
	m := NewSolverManager(2)
	require.Equal(t, []string{"farneback", "template/farneback"}, m.Names())

	s, err := m.Select("", registration.StrategySerial)
	require.NoError(t, err)
	require.Equal(t, "farneback", s.Name())

	s, err = m.Select("", registration.StrategyGroupwise)
	require.NoError(t, err)
	require.Equal(t, "template/farneback", s.Name())
}

func TestSolverManagerExplicitSelection(t *testing.T) {
	m := NewSolverManager(0)

	_, err := m.Select("farneback", registration.StrategyGroupwise)
	require.True(t, errors.Is(err, registration.ErrUnsupportedStrategy))

	_, err = m.Select("demons", registration.StrategySerial)
	require.True(t, errors.Is(err, registration.ErrConfiguration))

	s, err := m.Select("template/farneback", registration.StrategyGroupwise)
	require.NoError(t, err)
	require.True(t, s.SupportsGroupwise())
}

func TestSolverManagerRegisterReplacesInPlace(t *testing.T) {
	m := &SolverManager{solvers: map[string]registration.NonRigidSolver{}}
	first := &recordingSolver{}
	second := &recordingSolver{}
	m.Register(first)
	m.Register(NewFarnebackSolver())
	m.Register(second)
	m.Register(nil)

	require.Equal(t, []string{"recording", "farneback"}, m.Names())
	got, ok := m.Get("recording")
	require.True(t, ok)
	require.Same(t, second, got)
}

package log

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestSetLevel(t *testing.T) {
	defer SetLevel("info")

	SetLevel("DEBUG")
	assert.Equal(t, logrus.DebugLevel, GetLogger().GetLevel())

	SetLevel("warn")
	assert.Equal(t, logrus.WarnLevel, GetLogger().GetLevel())

	SetLevel("nonsense")
	assert.Equal(t, logrus.InfoLevel, GetLogger().GetLevel())
}

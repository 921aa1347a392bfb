package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventMessageRoutingKey(t *testing.T) {
	tests := []struct {
		objectType string
		want       string
	}{
		{"projects.Project", "mec.event.projects-project"},
		{"survey.Answer", "mec.event.survey-answer"},
	}
	for _, tc := range tests {
		t.Run(tc.objectType, func(t *testing.T) {
			m := EventMessage{EventID: 1, ObjectType: tc.objectType}
			assert.Equal(t, tc.want, m.RoutingKey())
		})
	}
}

package logfields

import (
	"github.com/amazonlinux/bottlerocket/duagent/pkg/workflow"

	"github.com/sirupsen/logrus"
)

func Workflow(n *workflow.Node) logrus.Fields {
	return logrus.Fields{
		"workflow":    n.ID(),
		"action":      n.Action().String(),
		"update-type": n.UpdateType(),
	}
}

// Step identifies a child workflow by its position in the tree.
func Step(n *workflow.Node) logrus.Fields {
	return logrus.Fields{
		"workflow": n.ID(),
		"level":    n.Level(),
		"step":     n.StepIndex(),
	}
}

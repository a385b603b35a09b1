package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordHelpers(t *testing.T) {
	before := testutil.ToFloat64(ActionsRoutedTotal.WithLabelValues("gated"))
	RecordActionRouted("gated")
	assert.Equal(t, before+1, testutil.ToFloat64(ActionsRoutedTotal.WithLabelValues("gated")))

	errsBefore := testutil.ToFloat64(RuleEvaluationErrorsTotal)
	RecordRuleEvaluationErrors(0)
	RecordRuleEvaluationErrors(2)
	assert.Equal(t, errsBefore+2, testutil.ToFloat64(RuleEvaluationErrorsTotal))

	SetOwnershipSnapshotSize(7)
	assert.Equal(t, float64(7), testutil.ToFloat64(OwnershipSnapshotServices))
}

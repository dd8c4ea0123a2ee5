package reconcile

import (
	"testing"

	"trade_guard/internal/core"

	"github.com/stretchr/testify/assert"
)

func TestClassifyByTag(t *testing.T) {
	c := NewClassifier()

	tests := []struct {
		name     string
		linkID   string
		role     core.OrderRole
		level    int
		approach core.Approach
	}{
		{"conservative TP level", "CONS_TP2_a1b2c3", core.RoleTP, 2, core.ApproachConservative},
		{"fast TP", "FAST_TP1_x9y8", core.RoleTP, 1, core.ApproachFast},
		{"fast SL", "FAST_SL_x9y8", core.RoleSL, 0, core.ApproachFast},
		{"conservative SL", "CONS_SL_abc", core.RoleSL, 0, core.ApproachConservative},
		{"conservative entry limit", "CONS_LIMIT2_abc", core.RoleEntryLimit, 0, core.ApproachConservative},
		{"signal-tagged TP without approach", "GGSHOT_TP3_abc", core.RoleTP, 3, core.ApproachUnknown},
		{"lowercase tag", "cons_tp1_abc", core.RoleTP, 1, core.ApproachConservative},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cls := c.Classify(&core.LiveOrder{OrderLinkID: tt.linkID}, core.SideLong, d("60000"))
			assert.Equal(t, tt.role, cls.Role)
			assert.Equal(t, tt.level, cls.TPLevel)
			assert.Equal(t, tt.approach, cls.Approach)
			assert.True(t, cls.FromTag)
		})
	}
}

func TestClassifyByPriceHeuristic(t *testing.T) {
	c := NewClassifier()
	entry := d("60000")

	t.Run("long reduce-only above entry is TP", func(t *testing.T) {
		cls := c.Classify(&core.LiveOrder{TriggerPrice: d("61000"), ReduceOnly: true}, core.SideLong, entry)
		assert.Equal(t, core.RoleTP, cls.Role)
		assert.False(t, cls.FromTag)
	})

	t.Run("long reduce-only below entry is SL", func(t *testing.T) {
		cls := c.Classify(&core.LiveOrder{TriggerPrice: d("58000"), ReduceOnly: true}, core.SideLong, entry)
		assert.Equal(t, core.RoleSL, cls.Role)
	})

	t.Run("short mirrors the rule", func(t *testing.T) {
		cls := c.Classify(&core.LiveOrder{TriggerPrice: d("58000"), ReduceOnly: true}, core.SideShort, entry)
		assert.Equal(t, core.RoleTP, cls.Role)

		cls = c.Classify(&core.LiveOrder{TriggerPrice: d("61000"), ReduceOnly: true}, core.SideShort, entry)
		assert.Equal(t, core.RoleSL, cls.Role)
	})

	t.Run("missing entry price is unknown", func(t *testing.T) {
		cls := c.Classify(&core.LiveOrder{TriggerPrice: d("61000"), ReduceOnly: true}, core.SideLong, d("0"))
		assert.Equal(t, core.RoleUnknown, cls.Role)
	})

	t.Run("long non-reduce-only above entry is an entry add", func(t *testing.T) {
		cls := c.Classify(&core.LiveOrder{Price: d("61000")}, core.SideLong, entry)
		assert.Equal(t, core.RoleEntryLimit, cls.Role)
	})

	t.Run("long non-reduce-only below entry is ambiguous", func(t *testing.T) {
		cls := c.Classify(&core.LiveOrder{Price: d("59000")}, core.SideLong, entry)
		assert.Equal(t, core.RoleUnknown, cls.Role)
	})
}

package domain

import (
	"fmt"
	"sort"
)

// MaxPasses bounds the length of a pass chain.
const MaxPasses = 2

// Pass is one fixed-ratio invocation within a PassPlan.
type Pass struct {
	Number int
	Ratio  int
}

func (p Pass) Label(total int) string {
	return fmt.Sprintf("Pass %d/%d: applying %dx upscaling...", p.Number, total, p.Ratio)
}

// PassPlan is the ordered chain of invocations that produces the requested total scale.
type PassPlan struct {
	Model  ModelDescriptor
	Total  Scale
	Passes []Pass
}

func (p PassPlan) Len() int {
	return len(p.Passes)
}

// Ratios returns the per-pass scales in execution order.
func (p PassPlan) Ratios() []int {
	ratios := make([]int, len(p.Passes))
	for i, pass := range p.Passes {
		ratios[i] = pass.Ratio
	}

	return ratios
}

// PlanPasses decomposes a total scale into per-pass ratios the model supports natively. The
// largest supported ratio is taken first, so 8x becomes 4x followed by 2x.
func PlanPasses(model ModelDescriptor, total Scale) (PassPlan, error) {
	if !total.Supported() {
		return PassPlan{}, NewError(KindUnsupportedScale, StageValidate,
			fmt.Sprintf("scale must be 2, 4, or 8, got: %d", int(total)), nil)
	}

	ratios := append([]int(nil), model.PassScales...)
	sort.Sort(sort.Reverse(sort.IntSlice(ratios)))

	plan := PassPlan{Model: model, Total: total}
	remaining := int(total)

	for remaining > 1 {
		if len(plan.Passes) == MaxPasses {
			return PassPlan{}, unsupportedScale(model, total)
		}

		next := 0
		for _, r := range ratios {
			if r > 1 && remaining%r == 0 {
				next = r
				break
			}
		}

		if next == 0 {
			return PassPlan{}, unsupportedScale(model, total)
		}

		plan.Passes = append(plan.Passes, Pass{Number: len(plan.Passes) + 1, Ratio: next})
		remaining /= next
	}

	return plan, nil
}

func unsupportedScale(model ModelDescriptor, total Scale) *Error {
	return NewError(KindUnsupportedScale, StageValidate,
		fmt.Sprintf("scale %s cannot be built from %s passes of %v", total, model.Model, model.PassScales), nil)
}

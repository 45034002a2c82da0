package models

import (
	"fmt"
	"math"
	"sort"
)

// maxValueCounts bounds the value count list of ColumnStats.
const maxValueCounts = 50

// ValueCount is the number of rows holding one value.
type ValueCount struct {
	Value any `json:"value"`
	Count int `json:"count"`
}

// ColumnStats summarises the values of a column.
type ColumnStats struct {
	Name        string       `json:"name"`
	Type        ColumnType   `json:"type"`
	Count       int          `json:"count"`
	NullCount   int          `json:"null_count"`
	Min         *float64     `json:"min,omitempty"`
	Q1          *float64     `json:"q1,omitempty"`
	Mean        *float64     `json:"mean,omitempty"`
	Median      *float64     `json:"median,omitempty"`
	Q3          *float64     `json:"q3,omitempty"`
	Max         *float64     `json:"max,omitempty"`
	Std         *float64     `json:"std,omitempty"`
	ValueCounts []ValueCount `json:"value_counts"`
}

// ComputeColumnStats builds the statistics of one column of values.
func ComputeColumnStats(name string, t ColumnType, values []any) *ColumnStats {
	stats := &ColumnStats{Name: name, Type: t, Count: len(values)}

	counts := make(map[any]*ValueCount)
	var order []any
	var nums []float64
	for _, v := range values {
		if v == nil {
			stats.NullCount++
			continue
		}
		k := CanonicalKey(v)
		vc, ok := counts[k]
		if !ok {
			vc = &ValueCount{Value: v}
			counts[k] = vc
			order = append(order, k)
		}
		vc.Count++
		if t.IsNumeric() {
			if f, ok := ToFloat(v); ok {
				nums = append(nums, f)
			}
		}
	}

	stats.ValueCounts = make([]ValueCount, 0, len(order))
	for _, k := range order {
		stats.ValueCounts = append(stats.ValueCounts, *counts[k])
	}
	sort.SliceStable(stats.ValueCounts, func(i, j int) bool {
		return stats.ValueCounts[i].Count > stats.ValueCounts[j].Count
	})
	if len(stats.ValueCounts) > maxValueCounts {
		stats.ValueCounts = stats.ValueCounts[:maxValueCounts]
	}

	if len(nums) > 0 {
		sort.Float64s(nums)
		stats.Min = ptr(nums[0])
		stats.Max = ptr(nums[len(nums)-1])
		stats.Q1 = ptr(Quantile(nums, 0.25))
		stats.Median = ptr(Quantile(nums, 0.5))
		stats.Q3 = ptr(Quantile(nums, 0.75))
		mean := Mean(nums)
		stats.Mean = ptr(mean)
		stats.Std = ptr(StdDev(nums))
	}
	return stats
}

// Quantile returns the q-quantile of sorted values with linear interpolation.
func Quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return math.NaN()
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}

// Mean returns the arithmetic mean.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// StdDev returns the sample standard deviation (n-1); zero for a single value.
func StdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := Mean(values)
	sq := 0.0
	for _, v := range values {
		sq += (v - m) * (v - m)
	}
	return math.Sqrt(sq / float64(len(values)-1))
}

// Aggregate operations of formula columns.
const (
	AggSum    = "sum"
	AggProd   = "prod"
	AggMax    = "max"
	AggMin    = "min"
	AggMean   = "mean"
	AggMedian = "median"
	AggStd    = "std"
	AggAll    = "all"
	AggAny    = "any"
)

// AggregateResultType returns the column type produced by op.
func AggregateResultType(op string) (ColumnType, error) {
	switch op {
	case AggSum, AggProd, AggMax, AggMin, AggMean, AggMedian, AggStd:
		return TypeDouble, nil
	case AggAll, AggAny:
		return TypeBoolean, nil
	}
	return "", fmt.Errorf("unknown formula operation %q", op)
}

// Aggregate reduces the non-null operands of one row. The result is null
// when every operand is null.
func Aggregate(op string, operands []any) (any, error) {
	if op == AggAll || op == AggAny {
		seen := false
		acc := op == AggAll
		for _, v := range operands {
			if v == nil {
				continue
			}
			b, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("operation %s needs boolean operands, got %T", op, v)
			}
			seen = true
			if op == AggAll {
				acc = acc && b
			} else {
				acc = acc || b
			}
		}
		if !seen {
			return nil, nil
		}
		return acc, nil
	}

	nums := make([]float64, 0, len(operands))
	for _, v := range operands {
		if v == nil {
			continue
		}
		f, ok := ToFloat(v)
		if !ok {
			if b, isBool := v.(bool); isBool {
				f = 0
				if b {
					f = 1
				}
			} else {
				return nil, fmt.Errorf("operation %s needs numeric operands, got %T", op, v)
			}
		}
		nums = append(nums, f)
	}
	if len(nums) == 0 {
		return nil, nil
	}

	switch op {
	case AggSum:
		sum := 0.0
		for _, f := range nums {
			sum += f
		}
		return sum, nil
	case AggProd:
		prod := 1.0
		for _, f := range nums {
			prod *= f
		}
		return prod, nil
	case AggMax:
		m := nums[0]
		for _, f := range nums[1:] {
			m = math.Max(m, f)
		}
		return m, nil
	case AggMin:
		m := nums[0]
		for _, f := range nums[1:] {
			m = math.Min(m, f)
		}
		return m, nil
	case AggMean:
		return Mean(nums), nil
	case AggMedian:
		sort.Float64s(nums)
		return Quantile(nums, 0.5), nil
	case AggStd:
		return StdDev(nums), nil
	}
	return nil, fmt.Errorf("unknown formula operation %q", op)
}

func ptr(f float64) *float64 { return &f }

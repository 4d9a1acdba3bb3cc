package builtin

import (
	"context"
	"errors"
	"math"

	"github.com/MrWong99/procagent/internal/tool"
)

// ErrDivisionByZero is returned by calculate for divide and percentage with a
// zero second operand.
var ErrDivisionByZero = errors.New("division by zero")

// ErrNotFinite is returned when a result overflows to ±Inf or is NaN, which
// JSON cannot represent.
var ErrNotFinite = errors.New("result is not a finite number")

func finite(v float64) (float64, error) {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, ErrNotFinite
	}
	return v, nil
}

// Add returns the two-operand adder: {"a": 2, "b": 3} yields {"result": 5}.
func Add() tool.Tool {
	return &tool.Func{
		Def: tool.Spec{
			Name:        NameAdd,
			Description: "Add two numbers and return their sum.",
			Parameters: []tool.ParameterSpec{
				{Name: "a", Type: tool.ParamNumber, Description: "The first addend", Required: true},
				{Name: "b", Type: tool.ParamNumber, Description: "The second addend", Required: true},
			},
		},
		Fn: func(_ context.Context, args map[string]any) (any, error) {
			a, _ := tool.Float(args, "a")
			b, _ := tool.Float(args, "b")
			sum, err := finite(a + b)
			if err != nil {
				return nil, err
			}
			return map[string]any{"result": sum}, nil
		},
	}
}

var operations = map[string]func(a, b float64) (float64, error){
	"add":      func(a, b float64) (float64, error) { return a + b, nil },
	"subtract": func(a, b float64) (float64, error) { return a - b, nil },
	"multiply": func(a, b float64) (float64, error) { return a * b, nil },
	"divide": func(a, b float64) (float64, error) {
		if b == 0 {
			return 0, ErrDivisionByZero
		}
		return a / b, nil
	},
	"percentage": func(a, b float64) (float64, error) {
		if b == 0 {
			return 0, ErrDivisionByZero
		}
		return a / b * 100, nil
	},
}

// Calculator returns the calculate tool.
func Calculator() tool.Tool {
	return &tool.Func{
		Def: tool.Spec{
			Name:        NameCalculate,
			Description: "Perform mathematical calculations including basic arithmetic and percentages.",
			Parameters: []tool.ParameterSpec{
				{
					Name:        "operation",
					Type:        tool.ParamString,
					Description: "The operation to perform",
					Required:    true,
					Enum:        []string{"add", "subtract", "multiply", "divide", "percentage"},
				},
				{Name: "operand1", Type: tool.ParamNumber, Description: "The first number", Required: true},
				{Name: "operand2", Type: tool.ParamNumber, Description: "The second number", Required: true},
			},
		},
		Fn: func(_ context.Context, args map[string]any) (any, error) {
			op, _ := tool.String(args, "operation")
			a, _ := tool.Float(args, "operand1")
			b, _ := tool.Float(args, "operand2")
			result, err := operations[op](a, b)
			if err == nil {
				result, err = finite(result)
			}
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"operation": op,
				"operand1":  a,
				"operand2":  b,
				"result":    result,
			}, nil
		},
	}
}

var discountRates = map[string]float64{
	"regular": 0.05,
	"premium": 0.10,
	"vip":     0.15,
}

// largePurchase earns an extra five percent on top of the tier rate.
const largePurchase = 1000

// DiscountCalculator returns the calculate_discount tool.
func DiscountCalculator() tool.Tool {
	return &tool.Func{
		Def: tool.Spec{
			Name:        NameDiscount,
			Description: "Calculate discount amount based on customer type and purchase amount.",
			Parameters: []tool.ParameterSpec{
				{
					Name:        "customer_type",
					Type:        tool.ParamString,
					Description: "Type of customer",
					Required:    true,
					Enum:        []string{"regular", "premium", "vip"},
				},
				{Name: "purchase_amount", Type: tool.ParamNumber, Description: "Total purchase amount", Required: true},
			},
		},
		Fn: func(_ context.Context, args map[string]any) (any, error) {
			kind, _ := tool.String(args, "customer_type")
			amount, _ := tool.Float(args, "purchase_amount")
			if amount < 0 {
				return nil, errors.New("purchase_amount must not be negative")
			}
			rate := discountRates[kind]
			if amount > largePurchase {
				rate += 0.05
			}
			discount := amount * rate
			return map[string]any{
				"customer_type":   kind,
				"original_amount": amount,
				"discount_rate":   rate,
				"discount_amount": discount,
				"final_amount":    amount - discount,
			}, nil
		},
	}
}

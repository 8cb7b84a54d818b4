package expr

import (
	"fmt"

	"github.com/google/cel-go/cel"
	celenv "github.com/google/cel-go/common/env"
	"github.com/google/cel-go/common/operators"
	"github.com/google/cel-go/common/overloads"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// Overload ids for string concatenation with a scalar on either side.
const (
	addStringInt    = "add_string_int64"
	addIntString    = "add_int64_string"
	addStringUint   = "add_string_uint64"
	addUintString   = "add_uint64_string"
	addStringDouble = "add_string_double"
	addDoubleString = "add_double_string"
	addStringBool   = "add_string_bool"
	addBoolString   = "add_bool_string"
)

// standardLibrary is the CEL standard library without its addition operator,
// which addition redeclares.
func standardLibrary() cel.EnvOption {
	return cel.StdLib(cel.StdLibSubset(&celenv.LibrarySubset{
		ExcludeFunctions: []*celenv.Function{{Name: operators.Add}},
	}))
}

// addition declares _+_ with the standard overloads plus string concatenation
// against int, uint, double and bool operands, so 'user_' + args[0] works
// whether the argument is a string or a number.
func addition() cel.EnvOption {
	listOfA := cel.ListType(cel.TypeParamType("A"))
	return cel.Function(operators.Add,
		cel.Overload(overloads.AddBytes, []*cel.Type{cel.BytesType, cel.BytesType}, cel.BytesType),
		cel.Overload(overloads.AddDouble, []*cel.Type{cel.DoubleType, cel.DoubleType}, cel.DoubleType),
		cel.Overload(overloads.AddDurationDuration, []*cel.Type{cel.DurationType, cel.DurationType}, cel.DurationType),
		cel.Overload(overloads.AddDurationTimestamp, []*cel.Type{cel.DurationType, cel.TimestampType}, cel.TimestampType),
		cel.Overload(overloads.AddTimestampDuration, []*cel.Type{cel.TimestampType, cel.DurationType}, cel.TimestampType),
		cel.Overload(overloads.AddInt64, []*cel.Type{cel.IntType, cel.IntType}, cel.IntType),
		cel.Overload(overloads.AddList, []*cel.Type{listOfA, listOfA}, listOfA),
		cel.Overload(overloads.AddString, []*cel.Type{cel.StringType, cel.StringType}, cel.StringType),
		cel.Overload(overloads.AddUint64, []*cel.Type{cel.UintType, cel.UintType}, cel.UintType),
		cel.Overload(addStringInt, []*cel.Type{cel.StringType, cel.IntType}, cel.StringType),
		cel.Overload(addIntString, []*cel.Type{cel.IntType, cel.StringType}, cel.StringType),
		cel.Overload(addStringUint, []*cel.Type{cel.StringType, cel.UintType}, cel.StringType),
		cel.Overload(addUintString, []*cel.Type{cel.UintType, cel.StringType}, cel.StringType),
		cel.Overload(addStringDouble, []*cel.Type{cel.StringType, cel.DoubleType}, cel.StringType),
		cel.Overload(addDoubleString, []*cel.Type{cel.DoubleType, cel.StringType}, cel.StringType),
		cel.Overload(addStringBool, []*cel.Type{cel.StringType, cel.BoolType}, cel.StringType),
		cel.Overload(addBoolString, []*cel.Type{cel.BoolType, cel.StringType}, cel.StringType),
		cel.SingletonBinaryBinding(addValues),
	)
}

func addValues(lhs, rhs ref.Val) ref.Val {
	left, leftIsString := lhs.(types.String)
	right, rightIsString := rhs.(types.String)
	switch {
	case leftIsString && !rightIsString:
		s, err := operandString(rhs)
		if err != nil {
			return types.WrapErr(err)
		}
		return left + types.String(s)
	case rightIsString && !leftIsString:
		s, err := operandString(lhs)
		if err != nil {
			return types.WrapErr(err)
		}
		return types.String(s) + right
	}
	adder, ok := lhs.(traits.Adder)
	if !ok {
		return types.MaybeNoSuchOverloadErr(lhs)
	}
	return adder.Add(rhs)
}

// operandString renders a scalar operand the way hash() renders scalars.
// Lists, maps, null and other types are left to hash() or string().
func operandString(v ref.Val) (string, error) {
	switch v.(type) {
	case types.Int, types.Uint, types.Double, types.Bool:
		return scalarString(v.Value())
	}
	return "", fmt.Errorf("no such overload: string + %s", v.Type().TypeName())
}

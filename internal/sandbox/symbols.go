package sandbox

import (
	"reflect"

	"github.com/traefik/yaegi/interp"

	"datanerd/internal/table"
)

// Symbols exports the table package into the interpreter so generated
// programs can import it like any other package. Only the construction and
// inspection surface is exported; nothing here reaches the filesystem.
func Symbols() interp.Exports {
	return interp.Exports{
		"datanerd/internal/table/table": {
			// Types
			"Table":  reflect.ValueOf((*table.Table)(nil)),
			"Column": reflect.ValueOf((*table.Column)(nil)),
			"Value":  reflect.ValueOf((*table.Value)(nil)),
			"Kind":   reflect.ValueOf((*table.Kind)(nil)),

			// Kind constants
			"KindInt":  reflect.ValueOf(table.KindInt),
			"KindReal": reflect.ValueOf(table.KindReal),
			"KindText": reflect.ValueOf(table.KindText),
			"KindBool": reflect.ValueOf(table.KindBool),
			"KindTime": reflect.ValueOf(table.KindTime),

			// Constructors
			"New":          reflect.ValueOf(table.New),
			"IntValue":     reflect.ValueOf(table.IntValue),
			"RealValue":    reflect.ValueOf(table.RealValue),
			"TextValue":    reflect.ValueOf(table.TextValue),
			"BoolValue":    reflect.ValueOf(table.BoolValue),
			"MissingValue": reflect.ValueOf(table.MissingValue),
			"TimeValue":    reflect.ValueOf(table.TimeValue),

			// Helpers
			"ParseTime": reflect.ValueOf(table.ParseTime),
		},
	}
}

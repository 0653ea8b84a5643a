package archive

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"sync"

	"modernc.org/sqlite"
)

// fold is the SQL function search filters lower both sides with. SQLite's
// LOWER only folds ASCII.
const fold = "unicode_lower"

var (
	registerOnce sync.Once
	registerErr  error
)

func registerFuncs() error {
	registerOnce.Do(func() {
		registerErr = sqlite.RegisterDeterministicScalarFunction(fold, 1,
			func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
				switch v := args[0].(type) {
				case nil:
					return nil, nil
				case string:
					return strings.ToLower(v), nil
				case []byte:
					return strings.ToLower(string(v)), nil
				default:
					return strings.ToLower(fmt.Sprint(v)), nil
				}
			})
	})
	return registerErr
}

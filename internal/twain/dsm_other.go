//go:build !windows

package twain

import (
	"runtime"

	"github.com/mzyy94/scanbridge/internal/scanerr"
)

// LoadDSM reports BindingUnavailable: the data source manager only exists on
// Windows.
func LoadDSM() (DSM, error) {
	return nil, scanerr.Errorf(scanerr.KindBindingUnavailable, "twain.load_dsm", "TWAIN is not available on %s", runtime.GOOS)
}

//go:build !linux && !darwin

package diskusage

func FreeBytes(string) (int64, error) {
	return 0, ErrUnsupported
}

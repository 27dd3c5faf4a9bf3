//go:build !linux

package monitor

func pin(int) error {
	return nil
}

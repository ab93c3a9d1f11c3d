//go:build linux

package serial

import "golang.org/x/sys/unix"

// setSpeed sets the baud rate bits for Linux. Standard rates carry their
// Bnnn constant in CBAUD; anything else goes through BOTHER with the raw
// rate in the speed fields.
func setSpeed(termios *unix.Termios, speed uint32) {
	termios.Cflag &^= unix.CBAUD
	if speed&^uint32(unix.CBAUD) == 0 {
		termios.Cflag |= speed
		termios.Ispeed = speed
		termios.Ospeed = speed
		return
	}
	termios.Cflag |= unix.BOTHER
	termios.Ispeed = speed
	termios.Ospeed = speed
}

package sshserver

import "golang.org/x/crypto/ssh"

// AwaitShell answers channel requests until the client asks for a shell or
// an exec, then keeps answering the rest in the background. It returns false
// if the request stream closes first.
func AwaitShell(requests <-chan *ssh.Request) bool {
	for req := range requests {
		if !reply(req) {
			continue
		}

		go func() {
			for req := range requests {
				reply(req)
			}
		}()
		return true
	}
	return false
}

func reply(req *ssh.Request) (started bool) {
	switch req.Type {
	case "shell", "exec":
		_ = req.Reply(true, nil)
		return true
	case "pty-req", "env", "window-change", "signal":
		_ = req.Reply(true, nil)
	default:
		_ = req.Reply(false, nil)
	}
	return false
}

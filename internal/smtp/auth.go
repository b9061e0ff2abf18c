package smtp

import "strings"

// AUTH handling. The relay accepts any credentials: legacy producers often
// refuse to send without an AUTH exchange, and the relay's trust boundary
// is the network, not SMTP credentials. Credentials are never decoded and
// never logged.

// handleAUTH processes AUTH PLAIN and AUTH LOGIN, with or without an
// initial response.
func (s *Session) handleAUTH(arg string) {
	if s.state != stateIdle {
		s.reply(503, "Bad sequence of commands")
		return
	}
	if arg == "" {
		s.reply(501, "Syntax error in parameters")
		return
	}

	mechanism, initial, _ := strings.Cut(arg, " ")
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		s.acceptAuthPlain(strings.TrimSpace(initial))
	case "LOGIN":
		s.acceptAuthLogin(strings.TrimSpace(initial))
	default:
		s.reply(504, "Unrecognized authentication type")
	}
}

// acceptAuthPlain runs the PLAIN dialogue: the credentials may arrive
// inline or after a 334 challenge.
func (s *Session) acceptAuthPlain(initial string) {
	if initial == "" {
		if err := s.codec.writeLine("334"); err != nil {
			return
		}
		line, err := s.codec.readCommand()
		if err != nil {
			return
		}
		initial = line
	}

	if initial == "*" {
		s.reply(501, "Authentication cancelled")
		return
	}

	s.reply(235, "Authentication successful")
}

// acceptAuthLogin runs the two-step LOGIN dialogue. The challenges are the
// base64 encodings of "Username:" and "Password:". An initial response
// carries the username and skips the first challenge.
func (s *Session) acceptAuthLogin(user string) {
	if user == "" {
		if err := s.codec.writeLine("334 VXNlcm5hbWU6"); err != nil {
			return
		}
		line, err := s.codec.readCommand()
		if err != nil {
			return
		}
		user = line
	}
	if user == "*" {
		s.reply(501, "Authentication cancelled")
		return
	}

	if err := s.codec.writeLine("334 UGFzc3dvcmQ6"); err != nil {
		return
	}
	pass, err := s.codec.readCommand()
	if err != nil {
		return
	}
	if pass == "*" {
		s.reply(501, "Authentication cancelled")
		return
	}

	s.reply(235, "Authentication successful")
}

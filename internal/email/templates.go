package email

import (
	"fmt"
	"html"
)

// Welcome is sent once after a successful registration.
func Welcome(to string) Message {
	return Message{
		To:      to,
		Subject: "Welcome to Notes",
		TextBody: fmt.Sprintf("Hi %s,\n\nYour account is ready. "+
			"We added a first note to get you started.\n", to),
		HTMLBody: fmt.Sprintf("<p>Hi %s,</p><p>Your account is ready. "+
			"We added a first note to get you started.</p>", html.EscapeString(to)),
	}
}

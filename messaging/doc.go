// Package messaging defines what travels inside a sealed envelope and how
// delivered messages are indexed for the chat history.
//
// Message content is a tagged variant decoded once, at the boundary:
//
//	payload, err := messaging.DecodePayload(plaintext)
//	for _, c := range payload.Contents {
//	    switch v := c.(type) {
//	    case messaging.Text:
//	        fmt.Println(v.Body)
//	    case messaging.Attachment:
//	        save(v.Name, v.Data)
//	    case messaging.ControlSignal:
//	        handleSignal(v.Signal, v.Payload)
//	    }
//	}
//
// On the wire every part carries an explicit "kind" tag. Older clients
// embedded signalling markers such as "[[offer]]" in plain text; those are
// converted to ControlSignal during decoding so no code downstream needs to
// pattern match message bodies.
//
// Payload ids are random UUIDs. They let History store a group message
// once even though it arrives as one envelope per member.
package messaging

package bot

const (
	msgHelp = "Send me a voice message describing the email you want to send: " +
		"who it goes to, what it is about and what it should say.\n\n" +
		"I'll transcribe it, show you a draft and send it only after you reply \"yes\"."

	msgSendVoice      = "Send me a voice message to compose an email. Use /help for details."
	msgUnknownCommand = "Unknown command. Use /help to see what I can do."

	msgTranscript = "Transcript:\n%s"
	msgDraft      = "Here is your draft:\n\nTo: %s\nSubject: %s\n\n%s\n\nReply \"yes\" to send it or \"no\" to cancel."
	msgReprompt   = "Please reply \"yes\" to send the email or \"no\" to cancel."

	msgNoEmail          = "I couldn't find any email information in your message. Mention the recipient's address, a subject and what to say."
	msgDownloadFailed   = "I couldn't download your voice message. Please try again."
	msgProcessingFailed = "Sorry, something went wrong while processing your voice message. Please try again."

	msgDelivered      = "Email sent to %s. Message ID: %s"
	msgDeliveryFailed = "I couldn't send the email. Please try again later."
	msgCancelled      = "Email cancelled."
	msgNotSent        = "I'm restarting and couldn't send your email. Please confirm again in a moment or send a new voice message."

	msgExpired   = "Your draft to %s expired without confirmation. Send a new voice message to start over."
	msgDiscarded = "Your draft to %s was discarded. Send a new voice message to start over."
)

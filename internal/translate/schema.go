package translate

// Wire schema of a Google Chat interaction event, limited to the fields the
// bridge reads. Everything is optional; absent objects decode to nil.

type chatEvent struct {
	Type      string       `json:"type"`
	EventTime string       `json:"eventTime"`
	Space     *chatSpace   `json:"space"`
	Message   *chatMessage `json:"message"`
	User      *chatUser    `json:"user"`
	Action    *chatAction  `json:"action"`
}

type chatSpace struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	SpaceType   string `json:"spaceType"`
	DisplayName string `json:"displayName"`
}

type chatUser struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	Type        string `json:"type"`
}

type chatThread struct {
	Name string `json:"name"`
}

type chatMessage struct {
	Name       string           `json:"name"`
	Sender     *chatUser        `json:"sender"`
	Text       string           `json:"text"`
	Thread     *chatThread      `json:"thread"`
	Space      *chatSpace       `json:"space"`
	Attachment []chatAttachment `json:"attachment"`
}

type chatAttachment struct {
	Name              string `json:"name"`
	ContentName       string `json:"contentName"`
	ContentType       string `json:"contentType"`
	Source            string `json:"source"`
	AttachmentDataRef *struct {
		ResourceName string `json:"resourceName"`
	} `json:"attachmentDataRef"`
	DriveDataRef *struct {
		DriveFileID string `json:"driveFileId"`
	} `json:"driveDataRef"`
}

type chatAction struct {
	ActionMethodName string `json:"actionMethodName"`
	Parameters       []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	} `json:"parameters"`
}

package protocol

// Push task names understood by the browser client.
const (
	PushHideDialog           = "hide_dialog"
	PushBanner               = "banner"
	PushDetailBanner         = "detail_banner"
	PushContent              = "content"
	PushSubContent           = "sub_content"
	PushDialog               = "dialog"
	PushIdentified           = "identified"
	PushMessages             = "messages"
	PushMoreNewMessages      = "more_new_messages"
	PushMoreOldMessages      = "more_old_messages"
	PushNoMoreNewMessages    = "no_more_new_messages"
	PushEditMessage          = "edit_message"
	PushInjectMessage        = "inject_deliver_new_message"
	PushMessageTeaser        = "deliver_message_teaser"
	PushRemoveMessage        = "remove_message"
	PushInlineReplyBox       = "inline_reply_box"
	PushPostCompletedReply   = "post_completed_reply"
	PushRemoveReplyContainer = "remove_reply_container"
	PushFilesUploaded        = "files_uploaded"
)

// Placement says where an injected fragment goes relative to ReferenceID.
type Placement string

const (
	// PlaceInParent appends inside the reference message's reply container.
	PlaceInParent Placement = "beforeend"
	// PlaceBefore inserts directly before the reference element.
	PlaceBefore Placement = "beforebegin"
	// PlaceAtEnd appends at the end of the listing. ReferenceID is zero.
	PlaceAtEnd Placement = "append"
)

// Level is the severity of a banner.
type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Push is a server to client frame.
type Push struct {
	Task      string `json:"task"`
	Content   string `json:"content,omitempty"`
	Container string `json:"container,omitempty"`
	Level     Level  `json:"level,omitempty"`

	MessageID   int64     `json:"message_id,omitempty"`
	ParentID    int64     `json:"parent_mid,omitempty"`
	NewID       int64     `json:"new_mid,omitempty"`
	ReferenceID int64     `json:"reference_mid,omitempty"`
	Placement   Placement `json:"placement,omitempty"`
	Edited      bool      `json:"edited,omitempty"`

	Teaser         string `json:"teaser,omitempty"`
	Filter         string `json:"filt,omitempty"`
	ScrollToBottom bool   `json:"scroll_to_bottom,omitempty"`
	Username       string `json:"username,omitempty"`
}

func Banner(level Level, content string) Push {
	return Push{Task: PushBanner, Level: level, Content: content}
}

func DetailBanner(level Level, content string) Push {
	return Push{Task: PushDetailBanner, Level: level, Content: content}
}

func Content(html string) Push {
	return Push{Task: PushContent, Content: html}
}

func SubContent(container, html string) Push {
	return Push{Task: PushSubContent, Container: container, Content: html}
}

func Dialog(html string) Push {
	return Push{Task: PushDialog, Content: html}
}

func HideDialog() Push {
	return Push{Task: PushHideDialog}
}

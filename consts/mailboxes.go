package consts

const InboxName = "INBOX"

// MaxFolderNameLength bounds folder names accepted from clients.
const MaxFolderNameLength = 255

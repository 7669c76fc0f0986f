package jmap

// Session is the RFC 8620 §2 Session object a client GETs from
// `/jmap/session` before issuing method-calls. Accounts/primaryAccounts
// are left to the caller (they depend on the authenticated principal);
// this type only fixes the capability and endpoint-template shape spec
// §6.1 names.
type Session struct {
	Capabilities    map[string]interface{} `json:"capabilities"`
	Accounts        map[string]Account     `json:"accounts"`
	PrimaryAccounts map[string]string      `json:"primaryAccounts"`
	Username        string                 `json:"username"`
	APIURL          string                 `json:"apiUrl"`
	DownloadURL     string                 `json:"downloadUrl"`
	UploadURL       string                 `json:"uploadUrl"`
	EventSourceURL  string                 `json:"eventSourceUrl"`
	State           string                 `json:"state"`
}

// Account is one JMAP account entry in the Session object.
type Account struct {
	Name                string          `json:"name"`
	IsPersonal          bool            `json:"isPersonal"`
	IsReadOnly          bool            `json:"isReadOnly"`
	AccountCapabilities map[string]bool `json:"accountCapabilities"`
}

// coreCapabilities are the capability URNs this server advertises,
// matching the groupware surfaces it actually implements (spec §4.3's
// calendar/contacts/files extensions plus EmailSubmission per the queue
// undo worked example); IMAP/email-body capabilities are not advertised
// since the MIME/IMAP surfaces themselves are non-goals (spec §1).
func coreCapabilities(maxSizeUpload int64, maxObjectsInSet int) map[string]interface{} {
	return map[string]interface{}{
		"urn:ietf:params:jmap:core": map[string]interface{}{
			"maxSizeUpload":         maxSizeUpload,
			"maxObjectsInGet":       512,
			"maxObjectsInSet":       maxObjectsInSet,
			"maxCallsInRequest":     64,
			"maxConcurrentUpload":   4,
			"maxConcurrentRequests": 4,
		},
		"urn:ietf:params:jmap:calendars":  map[string]interface{}{},
		"urn:ietf:params:jmap:contacts":   map[string]interface{}{},
		"urn:ietf:params:jmap:submission": map[string]interface{}{"maxDelayedSend": 44640},
	}
}

// NewSession builds the Session object for one authenticated account.
// The core capability's maxSizeUpload is fixed at 50 MiB; uploadTmpTTLS
// (spec §6.4 `jmap.upload.tmp-ttl`) is accepted but not consulted.
func NewSession(accountID, username string, baseURL string, state string, uploadTmpTTLS int64) Session {
	return Session{
		Capabilities:    coreCapabilities(50<<20, 500),
		Accounts:        map[string]Account{accountID: {Name: username, IsPersonal: true, AccountCapabilities: map[string]bool{"urn:ietf:params:jmap:calendars": true, "urn:ietf:params:jmap:contacts": true, "urn:ietf:params:jmap:submission": true}}},
		PrimaryAccounts: map[string]string{"urn:ietf:params:jmap:calendars": accountID, "urn:ietf:params:jmap:contacts": accountID, "urn:ietf:params:jmap:submission": accountID},
		Username:        username,
		APIURL:          baseURL + "/jmap",
		DownloadURL:     baseURL + "/jmap/download/{accountId}/{blobId}/{name}",
		UploadURL:       baseURL + "/jmap/upload/{accountId}",
		EventSourceURL:  baseURL + "/jmap/eventsource",
		State:           state,
	}
}

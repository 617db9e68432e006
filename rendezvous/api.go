// Package rendezvous maps share slugs to sender addresses. The server keeps
// channels alive for a renewable TTL; the client is what senders and
// receivers use to reach it.
package rendezvous

type CreateRequest struct {
	UploaderAddress string `json:"uploaderAddress"`
	SharedSlug      string `json:"sharedSlug,omitempty"`
}

type CreateResponse struct {
	LongSlug  string `json:"longSlug"`
	ShortSlug string `json:"shortSlug"`
	Secret    string `json:"secret"`
}

type RenewRequest struct {
	Slug   string `json:"slug"`
	Secret string `json:"secret"`
}

type RenewResponse struct {
	Success bool `json:"success"`
}

type DestroyRequest struct {
	Slug string `json:"slug"`
}

// ICEServer describes one transport-assist server.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type ICEResponse struct {
	ICEServers []ICEServer `json:"iceServers"`
}

type ResolveResponse struct {
	Address string `json:"address"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

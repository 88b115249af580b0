package manager

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"p2p-park/internal/overlay/handshake"
	"p2p-park/internal/overlay/session"
	"p2p-park/internal/overlay/types"
)

type crawlPeer struct {
	PublicKey string `json:"public_key"`
	Type      string `json:"type"`
	Uptime    int64  `json:"uptime"`
	IP        string `json:"ip,omitempty"`
	Port      uint16 `json:"port,omitempty"`
	Version   string `json:"version,omitempty"`
}

type crawlDoc struct {
	Overlay struct {
		Active []crawlPeer `json:"active"`
	} `json:"overlay"`
}

// Crawl builds the /crawl document spec §6 specifies: one entry per
// active peer, ip/port present only for peers that advertised
// Crawl: public during their own handshake.
func (o *Overlay) Crawl() crawlDoc {
	o.mu.Lock()
	peers := make([]*session.Peer, 0, len(o.ids))
	for _, p := range o.ids {
		peers = append(peers, p)
	}
	o.mu.Unlock()

	var doc crawlDoc
	doc.Overlay.Active = make([]crawlPeer, 0, len(peers))
	for _, p := range peers {
		cp := crawlPeer{
			PublicKey: base64.StdEncoding.EncodeToString(nodeKeyBytes(p.NodeKey())),
			Type:      crawlType(p.Direction()),
			Uptime:    int64(p.Uptime().Seconds()),
			Version:   p.Version().String(),
		}
		if p.Crawl() == handshake.CrawlPublic {
			cp.IP = p.Remote().IP.String()
			cp.Port = p.Listening()
		}
		doc.Overlay.Active = append(doc.Overlay.Active, cp)
	}
	return doc
}

// JSON renders Crawl() as the exact bytes the /crawl HTTP handler writes.
func (o *Overlay) JSON() ([]byte, error) {
	return json.Marshal(o.Crawl())
}

func (o *Overlay) serveCrawl(w http.ResponseWriter, _ *http.Request) {
	body, err := o.JSON()
	if err != nil {
		http.Error(w, "crawl encoding failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func crawlType(dir types.Direction) string {
	if dir == types.Inbound {
		return "in"
	}
	return "out"
}

func nodeKeyBytes(k types.NodeKey) []byte {
	return k[:]
}

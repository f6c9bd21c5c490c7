package p2p

import (
	"fmt"
	"log"

	"github.com/ankouros/pchannel/internal/wire"
)

func (s *Service) dispatch(pc *peerConn, m wire.Message) {
	switch msg := m.(type) {
	case *wire.Connect:
		s.post(fmt.Sprintf("<%s> wants to connect to your channel", msg.Name), TagConnect)
		log.Printf("p2p: %s requested connection from %s", msg.Name, pc.RemoteAddr())

	case *wire.Chat:
		s.post(fmt.Sprintf("<%s> : %s", msg.Name, msg.Message), TagChat)
		if err := s.history.Append(msg.Name, msg.Message); err != nil {
			log.Printf("p2p: history append: %v", err)
		}

	case *wire.Fetch:
		s.answerFetch(pc, msg)

	case *wire.File:
		s.acceptFile(pc, msg)

	case *wire.FilePort:
		if !pc.deliverFilePort(msg.Port) {
			log.Printf("p2p: unexpected file_port %d from %s", msg.Port, pc.RemoteAddr())
		}

	case *wire.Central:
		s.setDirectory(msg.ListFriend)
		log.Printf("p2p: directory update: %s", msg.ListFriend)

	case *wire.Video:
		s.video.onAdvert(pc.host, msg.Port, msg.Name)

	case *wire.VideoStop:
		s.video.onStop(msg.Name)

	case *wire.WebRTCSignal:
		s.post(fmt.Sprintf("Signal from %s (%d bytes)", msg.SenderName, len(msg.Data)), TagSignal)

	default:
		log.Printf("p2p: unhandled message %s", m.Type())
	}
}

func (s *Service) answerFetch(pc *peerConn, msg *wire.Fetch) {
	last, ok, err := s.history.LastLine()
	if err != nil {
		log.Printf("p2p: fetch from %s: %v", msg.Name, err)
		return
	}
	if !ok {
		return
	}
	reply := &wire.Chat{Name: s.id.Name, Message: "[Repeat] " + last}
	if err := pc.send(reply, s.timing.SendTimeout); err != nil {
		log.Printf("p2p: fetch reply to %s: %v", msg.Name, err)
		return
	}
	log.Printf("p2p: answered fetch from %s", msg.Name)
}

package thinpool

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/behrlich/go-thinpool/internal/constants"
)

// Message executes a textual administrative command against the pool.
//
// Messages supported:
//
//	create_thin <dev_id>
//	create_snap <dev_id> <origin_id>
//	delete <dev_id>
//	set_transaction_id <current_trans_id> <new_trans_id>
//	reserve_metadata_snap
//	release_metadata_snap
//
// Successful messages are followed by a commit so the change is
// durable when the call returns.
func (p *Pool) Message(message string) error {
	argv := strings.Fields(message)
	if len(argv) == 0 {
		return NewError("message", ErrCodeInvalidParameters, "empty message")
	}

	if p.Mode() == ModeFail {
		return NewError("message", ErrCodePoolFailed, "")
	}

	var err error
	switch strings.ToLower(argv[0]) {
	case "create_thin":
		err = p.messageCreateThin(argv)
	case "create_snap":
		err = p.messageCreateSnap(argv)
	case "delete":
		err = p.messageDelete(argv)
	case "set_transaction_id":
		err = p.messageSetTransactionID(argv)
	case "reserve_metadata_snap":
		err = p.messageReserveMetadataSnap(argv)
	case "release_metadata_snap":
		err = p.messageReleaseMetadataSnap(argv)
	default:
		return NewError("message", ErrCodeInvalidParameters,
			fmt.Sprintf("unrecognised pool message: %s", argv[0]))
	}

	if err == nil {
		_ = p.commitOrFallback()
	}
	return err
}

func checkArgCount(argv []string, required int) error {
	if len(argv) != required {
		return NewError("message", ErrCodeInvalidParameters,
			fmt.Sprintf("message received with %d arguments instead of %d",
				len(argv)-1, required-1))
	}
	return nil
}

func readDevID(arg string) (uint64, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil || id > constants.MaxDeviceID {
		return 0, NewError("message", ErrCodeInvalidParameters,
			fmt.Sprintf("invalid device id: %s", arg))
	}
	return id, nil
}

func (p *Pool) messageCreateThin(argv []string) error {
	if err := checkArgCount(argv, 2); err != nil {
		return err
	}
	id, err := readDevID(argv[1])
	if err != nil {
		return err
	}
	if err := p.md.CreateThin(id); err != nil {
		p.logger.Warn("creation of thin device failed", "dev", id, "err", err)
		return WrapError("create_thin", err)
	}
	return nil
}

func (p *Pool) messageCreateSnap(argv []string) error {
	if err := checkArgCount(argv, 3); err != nil {
		return err
	}
	id, err := readDevID(argv[1])
	if err != nil {
		return err
	}
	originID, err := readDevID(argv[2])
	if err != nil {
		return err
	}
	if err := p.md.CreateSnap(id, originID); err != nil {
		p.logger.Warn("creation of snapshot failed",
			"dev", id, "origin", originID, "err", err)
		return WrapError("create_snap", err)
	}
	return nil
}

func (p *Pool) messageDelete(argv []string) error {
	if err := checkArgCount(argv, 2); err != nil {
		return err
	}
	id, err := readDevID(argv[1])
	if err != nil {
		return err
	}
	if err := p.md.DeleteThin(id); err != nil {
		p.logger.Warn("deletion of thin device failed", "dev", id, "err", err)
		return WrapError("delete", err)
	}
	return nil
}

func (p *Pool) messageSetTransactionID(argv []string) error {
	if err := checkArgCount(argv, 3); err != nil {
		return err
	}
	oldID, err := strconv.ParseUint(argv[1], 10, 64)
	if err != nil {
		return NewError("message", ErrCodeInvalidParameters,
			fmt.Sprintf("unrecognised id %s", argv[1]))
	}
	newID, err := strconv.ParseUint(argv[2], 10, 64)
	if err != nil {
		return NewError("message", ErrCodeInvalidParameters,
			fmt.Sprintf("unrecognised new id %s", argv[2]))
	}
	if err := p.md.SetTransactionID(oldID, newID); err != nil {
		return WrapError("set_transaction_id", err)
	}
	return nil
}

func (p *Pool) messageReserveMetadataSnap(argv []string) error {
	if err := checkArgCount(argv, 1); err != nil {
		return err
	}

	// The held snapshot must reflect everything that happened before
	// the reserve.
	_ = p.commitOrFallback()

	if err := p.md.ReserveMetadataSnap(); err != nil {
		p.logger.Warn("reserve_metadata_snap message failed", "err", err)
		return WrapError("reserve_metadata_snap", err)
	}
	return nil
}

func (p *Pool) messageReleaseMetadataSnap(argv []string) error {
	if err := checkArgCount(argv, 1); err != nil {
		return err
	}
	if err := p.md.ReleaseMetadataSnap(); err != nil {
		p.logger.Warn("release_metadata_snap message failed", "err", err)
		return WrapError("release_metadata_snap", err)
	}
	return nil
}

// CreateThin is the programmatic form of the create_thin message.
func (p *Pool) CreateThin(id uint64) error {
	return p.Message(fmt.Sprintf("create_thin %d", id))
}

// CreateSnap is the programmatic form of the create_snap message. The
// origin should be quiesced (flushed) first so the snapshot sees a
// consistent image.
func (p *Pool) CreateSnap(id, originID uint64) error {
	return p.Message(fmt.Sprintf("create_snap %d %d", id, originID))
}

// DeleteThin is the programmatic form of the delete message.
func (p *Pool) DeleteThin(id uint64) error {
	return p.Message(fmt.Sprintf("delete %d", id))
}

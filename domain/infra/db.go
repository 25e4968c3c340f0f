package infra

import (
	"os"
	"path"
	"time"

	"github.com/jinzhu/gorm"
	_ "github.com/mattn/go-sqlite3"
	"github.com/puretik/modmail-relay/domain/model"
)

// DataBase is a SQLite-backed Datastore for deployments that want tickets
// to survive a restart. Selected with DB_DRIVER=sqlite.
type DataBase struct {
	db *gorm.DB
}

func NewDataBase() (*DataBase, error) {
	dbpath := "./db/modmail_relay.db"
	if os.Getenv("DB_PATH") != "" {
		dbpath = os.Getenv("DB_PATH")
	}
	if !path.IsAbs(dbpath) {
		dbpath = path.Join(os.Getenv("PWD"), dbpath)
	}
	db, err := gorm.Open("sqlite3", dbpath)
	if err != nil {
		return nil, err
	}
	db.AutoMigrate(&model.Ticket{})
	return &DataBase{db: db}, nil
}

func (d *DataBase) GetOpenTicket(userID string) (*model.Ticket, error) {
	var t model.Ticket
	err := d.db.Where("user_id = ? AND state = ?", userID, model.StateOpen).First(&t).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (d *DataBase) GetClosingTicket(userID string) (*model.Ticket, error) {
	var t model.Ticket
	err := d.db.Where("user_id = ? AND state = ?", userID, model.StateClosing).First(&t).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (d *DataBase) GetTicket(ticketID string) (*model.Ticket, error) {
	var t model.Ticket
	err := d.db.Where("id = ?", ticketID).First(&t).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (d *DataBase) GetTicketByThread(threadTS string) (*model.Ticket, error) {
	var t model.Ticket
	err := d.db.Where("thread_ts = ?", threadTS).First(&t).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (d *DataBase) CreateTicket(t *model.Ticket) error {
	existing, err := d.GetOpenTicket(t.UserID)
	if err != nil {
		return err
	}
	if existing != nil {
		return model.ErrDuplicateTicket
	}
	stored := *t
	stored.State = model.StateOpen
	return d.db.Create(&stored).Error
}

func (d *DataBase) BindThread(ticketID, channelID, threadTS string) error {
	res := d.db.Model(&model.Ticket{}).
		Where("id = ?", ticketID).
		Update(map[string]interface{}{"channel_id": channelID, "thread_ts": threadTS})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return model.ErrTicketNotFound
	}
	return nil
}

func (d *DataBase) Touch(ticketID string, at time.Time) error {
	t, err := d.GetTicket(ticketID)
	if err != nil {
		return err
	}
	if t == nil || t.State == model.StateClosed {
		return model.ErrTicketNotFound
	}
	state := t.State
	if state == model.StateClosing {
		newer, err := d.GetOpenTicket(t.UserID)
		if err != nil {
			return err
		}
		if newer == nil || newer.ID == t.ID {
			state = model.StateOpen
		}
	}
	return d.db.Model(&model.Ticket{}).
		Where("id = ?", ticketID).
		Update(map[string]interface{}{"last_activity_at": at, "state": state}).Error
}

func (d *DataBase) MarkClosing(ticketID string) error {
	return d.db.Model(&model.Ticket{}).
		Where("id = ? AND state = ?", ticketID, model.StateOpen).
		Update("state", model.StateClosing).Error
}

func (d *DataBase) MarkClosed(ticketID string) error {
	t, err := d.GetTicket(ticketID)
	if err != nil {
		return err
	}
	if t == nil || t.State == model.StateClosed {
		return nil
	}
	if t.State == model.StateOpen {
		return model.ErrInvalidState
	}
	return d.db.Model(&model.Ticket{}).
		Where("id = ?", ticketID).
		Update("state", model.StateClosed).Error
}

func (d *DataBase) ListIdle(threshold time.Time) ([]model.Ticket, error) {
	var tickets []model.Ticket
	err := d.db.
		Where("state = ? AND last_activity_at <= ?", model.StateOpen, threshold).
		Order("last_activity_at asc").
		Find(&tickets).Error
	return tickets, err
}

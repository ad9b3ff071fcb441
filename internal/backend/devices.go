package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cautelapp/carelink/internal/device"
	"github.com/cautelapp/carelink/internal/profile"
	"github.com/sirupsen/logrus"
)

// DefaultBattery is reported for a freshly bound bracelet when the level is unknown
const DefaultBattery = 100

// BoundDevice is a bracelet bound to a monitored adult.
type BoundDevice struct {
	AdultID          int                     `json:"adult_id"`
	PhysicalDeviceID device.PhysicalDeviceID `json:"physical_device_id"`
	AdultName        string                  `json:"adult_name"`
	BirthDate        *time.Time              `json:"birth_date,omitempty"`
	Address          string                  `json:"address,omitempty"`
	Battery          int                     `json:"battery"`
	OnlineViaWifi    bool                    `json:"online_via_wifi"`
	Shared           bool                    `json:"shared"`
	SharedByUserID   int                     `json:"shared_by_user_id,omitempty"`
	GroupName        string                  `json:"group_name,omitempty"`
}

// Adult returns the profile part of the record
func (d BoundDevice) Adult() profile.Adult {
	return profile.Adult{Name: d.AdultName, BirthDate: d.BirthDate, Address: d.Address}
}

// BindRequest binds a physical device to a new adult profile.
type BindRequest struct {
	PhysicalDeviceID device.PhysicalDeviceID
	Battery          int
	Adult            profile.Adult

	// PeripheralID is informational only; the binding key is PhysicalDeviceID
	PeripheralID device.PeripheralID
}

// ExistsResult answers whether the physical device is known and bound to the caller.
type ExistsResult struct {
	Exists bool `json:"exists"`
	Bound  bool `json:"vinculado"`
}

// DeviceStatus is the last known online state of a physical device.
type DeviceStatus struct {
	PhysicalDeviceID device.PhysicalDeviceID `json:"deviceId"`
	Online           bool                    `json:"online"`
	Battery          *int                    `json:"bateria,omitempty"`
}

// wire formats

type deviceRecord struct {
	ID      int    `json:"id_dispositivo"`
	Battery *int   `json:"bateria"`
	MAC     string `json:"mac_address"`
}

type adultRecord struct {
	ID        int           `json:"id_adulto"`
	Name      string        `json:"nombre"`
	BirthDate string        `json:"fecha_nacimiento"`
	Address   string        `json:"direccion"`
	Device    *deviceRecord `json:"dispositivo"`
}

type sharedRecord struct {
	AdultID   int          `json:"adulto_id"`
	SharedBy  int          `json:"shared_by"`
	GroupName string       `json:"groupName"`
	GroupCode string       `json:"groupCode"`
	Adult     *adultRecord `json:"adulto"`
}

type bindBody struct {
	MAC          string `json:"mac_address"`
	Battery      int    `json:"bateria"`
	AdultName    string `json:"nombre_adulto,omitempty"`
	BirthDate    string `json:"fecha_nacimiento,omitempty"`
	Address      string `json:"direccion,omitempty"`
	PeripheralID string `json:"ble_device_id,omitempty"`
}

type updateAdultBody struct {
	Name      string `json:"nombre,omitempty"`
	BirthDate string `json:"fecha_nacimiento,omitempty"`
	Address   string `json:"direccion,omitempty"`
}

func (r *adultRecord) toBound(logger *logrus.Logger) (BoundDevice, bool) {
	d := BoundDevice{
		AdultID:   r.ID,
		AdultName: r.Name,
		Address:   r.Address,
		Battery:   DefaultBattery,
	}
	if bd, err := profile.ParseBirthDate(r.BirthDate); err == nil {
		d.BirthDate = bd
	} else {
		logger.WithField("adult_id", r.ID).WithError(err).Debug("Ignoring malformed birth date")
	}
	if r.Device == nil {
		return d, false
	}
	id, err := device.ParsePhysicalDeviceID(r.Device.MAC)
	if err != nil {
		logger.WithField("adult_id", r.ID).WithError(err).Warn("Skipping bound device without a valid physical id")
		return d, false
	}
	d.PhysicalDeviceID = id
	if r.Device.Battery != nil {
		d.Battery = *r.Device.Battery
	}
	return d, true
}

// Bind creates the binding. It is sent once: a user initiated bind is never retried automatically.
// 4xx answers wrap ErrBindRejected and carry the server message.
func (c *Client) Bind(ctx context.Context, r BindRequest) (*BoundDevice, error) {
	id, err := device.ParsePhysicalDeviceID(string(r.PhysicalDeviceID))
	if err != nil {
		return nil, err
	}
	adult := r.Adult.Normalized()
	battery := r.Battery
	if battery <= 0 {
		battery = DefaultBattery
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/device/vincular", bindBody{
		MAC:          string(id),
		Battery:      battery,
		AdultName:    adult.Name,
		BirthDate:    adult.BirthDateString(),
		Address:      adult.Address,
		PeripheralID: string(r.PeripheralID),
	})
	if err != nil {
		return nil, err
	}

	var rec adultRecord
	if err := c.call(req, false, ErrBindRejected, &rec); err != nil {
		return nil, err
	}

	bound := BoundDevice{
		AdultID:          rec.ID,
		PhysicalDeviceID: id,
		AdultName:        adult.Name,
		BirthDate:        adult.BirthDate,
		Address:          adult.Address,
		Battery:          battery,
	}
	if rec.Device != nil && rec.Device.Battery != nil {
		bound.Battery = *rec.Device.Battery
	}
	if rec.Name != "" {
		bound.AdultName = rec.Name
	}

	c.logger.WithFields(logrus.Fields{
		"physical_device_id": id,
		"adult_id":           bound.AdultID,
	}).Info("Bracelet bound")
	return &bound, nil
}

// CheckExists reports whether id is known to the backend and bound to the caller.
// A 404 means the device does not exist.
func (c *Client) CheckExists(ctx context.Context, id device.PhysicalDeviceID) (ExistsResult, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/device/check-exists/"+url.PathEscape(string(id)), nil)
	if err != nil {
		return ExistsResult{}, err
	}

	var res ExistsResult
	err = c.call(req, true, ErrRequestRejected, &res)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return ExistsResult{}, nil
	}
	if err != nil {
		return ExistsResult{}, err
	}
	if res.Bound {
		res.Exists = true
	}
	return res, nil
}

// ListMine returns the devices bound by the caller, in backend order.
func (c *Client) ListMine(ctx context.Context) ([]BoundDevice, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/device/mis-dispositivos", nil)
	if err != nil {
		return nil, err
	}

	var recs []adultRecord
	if err := c.call(req, true, ErrRequestRejected, &recs); err != nil {
		return nil, err
	}

	out := make([]BoundDevice, 0, len(recs))
	for i := range recs {
		if d, ok := recs[i].toBound(c.logger); ok {
			out = append(out, d)
		}
	}
	return out, nil
}

// ListShared returns devices other caregivers shared with userID.
func (c *Client) ListShared(ctx context.Context, userID string) ([]BoundDevice, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/shared-group/my-shared-devices/"+url.PathEscape(userID), nil)
	if err != nil {
		return nil, err
	}

	var recs []sharedRecord
	if err := c.call(req, true, ErrRequestRejected, &recs); err != nil {
		return nil, err
	}

	out := make([]BoundDevice, 0, len(recs))
	for _, r := range recs {
		if r.Adult == nil {
			continue
		}
		d, ok := r.Adult.toBound(c.logger)
		if !ok {
			continue
		}
		if d.AdultID == 0 {
			d.AdultID = r.AdultID
		}
		d.Shared = true
		d.SharedByUserID = r.SharedBy
		d.GroupName = r.GroupName
		out = append(out, d)
	}
	return out, nil
}

// Status returns the online state of every device visible to the caller.
func (c *Client) Status(ctx context.Context) ([]DeviceStatus, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/devices/status", nil)
	if err != nil {
		return nil, err
	}
	var out []DeviceStatus
	if err := c.call(req, true, ErrRequestRejected, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StopMonitoring unbinds the adult's bracelet. Sent once.
func (c *Client) StopMonitoring(ctx context.Context, adultID int) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/device/stop-monitoring/"+strconv.Itoa(adultID), nil)
	if err != nil {
		return err
	}
	if err := c.call(req, false, ErrRequestRejected, nil); err != nil {
		return err
	}
	c.logger.WithField("adult_id", adultID).Info("Monitoring stopped")
	return nil
}

// UpdateAdult replaces the profile of an already bound adult.
func (c *Client) UpdateAdult(ctx context.Context, adultID int, a profile.Adult) error {
	a = a.Normalized()
	if err := a.Validate(time.Now()); err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPatch, fmt.Sprintf("/device/adulto-mayor/%d", adultID), updateAdultBody{
		Name:      a.Name,
		BirthDate: a.BirthDateString(),
		Address:   a.Address,
	})
	if err != nil {
		return err
	}
	return c.call(req, true, ErrRequestRejected, nil)
}

package api

import (
	"time"

	"fieldsync/internal/model"
)

// Wire shapes of the mobile API. They are shared with the development server.

type DeviceInfo struct {
	Platform   string `json:"platform"`
	AppVersion string `json:"app_version,omitempty"`
	Timestamp  string `json:"timestamp"`
}

type DeviceAuthRequest struct {
	DeviceID   string     `json:"device_id"`
	DeviceInfo DeviceInfo `json:"device_info"`
}

type DeviceAuthResponse struct {
	Success   bool   `json:"success"`
	Token     string `json:"token"`
	ExpiresAt any    `json:"expires_at,omitempty"` // RFC 3339 string or unix milliseconds
	Message   string `json:"message,omitempty"`
}

type ValidateRequest struct {
	Token string `json:"token"`
}

type ValidateResponse struct {
	Valid bool `json:"valid"`
}

type Vehicle struct {
	ID                  int64  `json:"id"`
	EquipNo             string `json:"equip_no"`
	Description         string `json:"description"`
	Company             string `json:"company"`
	Manufacturer        string `json:"manufacturer"`
	UnitModel           string `json:"unit_model"`
	CommissioningDate   string `json:"commissioning_date"`
	Year                int    `json:"year"`
	CommissioningStatus string `json:"commissioning_status"`
	ExpiredDate         string `json:"expired_date"`
}

func (v Vehicle) Model() model.Vehicle {
	return model.Vehicle{
		ID:                  v.ID,
		EquipNo:             v.EquipNo,
		Description:         v.Description,
		Company:             v.Company,
		Manufacturer:        v.Manufacturer,
		UnitModel:           v.UnitModel,
		CommissioningDate:   v.CommissioningDate,
		Year:                v.Year,
		CommissioningStatus: v.CommissioningStatus,
		ExpiredDate:         v.ExpiredDate,
	}
}

func VehicleFromModel(v model.Vehicle) Vehicle {
	return Vehicle{
		ID:                  v.ID,
		EquipNo:             v.EquipNo,
		Description:         v.Description,
		Company:             v.Company,
		Manufacturer:        v.Manufacturer,
		UnitModel:           v.UnitModel,
		CommissioningDate:   v.CommissioningDate,
		Year:                v.Year,
		CommissioningStatus: v.CommissioningStatus,
		ExpiredDate:         v.ExpiredDate,
	}
}

type PermitHolder struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	IDNumber    string `json:"id_number"`
	Company     string `json:"company"`
	Department  string `json:"department"`
	ExpiredDate string `json:"kimper_expired_date"`
	Status      string `json:"status"`
}

func (p PermitHolder) Model() model.PermitHolder {
	return model.PermitHolder{
		ID:          p.ID,
		Name:        p.Name,
		IDNumber:    p.IDNumber,
		Company:     p.Company,
		Department:  p.Department,
		ExpiredDate: p.ExpiredDate,
		Status:      p.Status,
	}
}

func PermitHolderFromModel(p model.PermitHolder) PermitHolder {
	return PermitHolder{
		ID:          p.ID,
		Name:        p.Name,
		IDNumber:    p.IDNumber,
		Company:     p.Company,
		Department:  p.Department,
		ExpiredDate: p.ExpiredDate,
		Status:      p.Status,
	}
}

type VehicleList struct {
	Data []Vehicle `json:"data"`
}

type PermitHolderList struct {
	Data []PermitHolder `json:"data"`
}

type VehicleResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Vehicle *Vehicle `json:"vehicle"`
	} `json:"data"`
}

type PermitHolderResponse struct {
	Success bool          `json:"success"`
	Kimper  *PermitHolder `json:"kimper"`
}

// LegacyVehicle is the reduced shape served by /api/vehicles.
type LegacyVehicle struct {
	ID              int64  `json:"id"`
	EquipmentNumber string `json:"equipment_number"`
	EquipNo         string `json:"equip_no"`
	Description     string `json:"description"`
	Company         string `json:"company"`
	Manufacturer    string `json:"manufacturer"`
	Model           string `json:"model"`
	Year            int    `json:"year"`
	Status          string `json:"status"`
}

func (v LegacyVehicle) ToModel() model.Vehicle {
	equipNo := v.EquipmentNumber
	if equipNo == "" {
		equipNo = v.EquipNo
	}
	return model.Vehicle{
		ID:                  v.ID,
		EquipNo:             equipNo,
		Description:         v.Description,
		Company:             v.Company,
		Manufacturer:        v.Manufacturer,
		UnitModel:           v.Model,
		Year:                v.Year,
		CommissioningStatus: v.Status,
	}
}

type LegacyVehicleList struct {
	Vehicles []LegacyVehicle `json:"vehicles"`
}

// LegacyUser is the reduced shape served by /api/users. Users double as permit holders.
type LegacyUser struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Username   string `json:"username"`
	EmployeeID string `json:"employee_id"`
	Department string `json:"department"`
	Status     string `json:"status"`
}

func (u LegacyUser) ToModel() model.PermitHolder {
	name := u.Name
	if name == "" {
		name = u.Username
	}
	return model.PermitHolder{
		ID:         u.ID,
		Name:       name,
		IDNumber:   u.EmployeeID,
		Department: u.Department,
		Status:     u.Status,
	}
}

type LegacyUserList struct {
	Users []LegacyUser `json:"users"`
}

type Inspection struct {
	LocalID           string  `json:"local_id"`
	VehicleID         int64   `json:"vehicle_id,omitempty"`
	EquipNo           string  `json:"equip_no"`
	InspectorName     string  `json:"inspector_name"`
	InspectionDate    string  `json:"inspection_date"`
	InspectionType    string  `json:"inspection_type"`
	Status            string  `json:"status"`
	Notes             string  `json:"notes"`
	OdometerReading   int64   `json:"odometer_reading"`
	TireCondition     string  `json:"tire_condition"`
	BrakeCondition    string  `json:"brake_condition"`
	LightsWorking     bool    `json:"lights_working"`
	EngineCondition   string  `json:"engine_condition"`
	BodyCondition     string  `json:"body_condition"`
	InteriorCondition string  `json:"interior_condition"`
	StarRating        int     `json:"star_rating"`
	GPSLatitude       float64 `json:"gps_latitude"`
	GPSLongitude      float64 `json:"gps_longitude"`
}

func InspectionFromModel(ins *model.Inspection) Inspection {
	return Inspection{
		LocalID:           ins.ID,
		VehicleID:         ins.VehicleID,
		EquipNo:           ins.EquipNo,
		InspectorName:     ins.InspectorName,
		InspectionDate:    ins.InspectionDate.UTC().Format(time.RFC3339),
		InspectionType:    ins.InspectionType,
		Status:            ins.Status,
		Notes:             ins.Notes,
		OdometerReading:   ins.OdometerReading,
		TireCondition:     ins.TireCondition,
		BrakeCondition:    ins.BrakeCondition,
		LightsWorking:     ins.LightsWorking,
		EngineCondition:   ins.EngineCondition,
		BodyCondition:     ins.BodyCondition,
		InteriorCondition: ins.InteriorCondition,
		StarRating:        ins.StarRating,
		GPSLatitude:       ins.GPSLatitude,
		GPSLongitude:      ins.GPSLongitude,
	}
}

type InspectionResponse struct {
	Success      bool   `json:"success"`
	InspectionID int64  `json:"inspection_id"`
	Message      string `json:"message,omitempty"`
}

type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

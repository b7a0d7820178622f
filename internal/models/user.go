package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
)

func (r Role) Valid() bool {
	return r == RolePatient || r == RoleDoctor
}

// Doctor - профиль врача. Таблицу заполняет сервис профилей, здесь она только читается.
type Doctor struct {
	ID                string    `json:"id" gorm:"primaryKey;column:id;type:varchar(64)"`
	FirstName         string    `json:"firstName" gorm:"column:first_name;not null;type:varchar(255)"`
	LastName          string    `json:"lastName" gorm:"column:last_name;not null;type:varchar(255)"`
	Phone             string    `json:"phone" gorm:"column:phone;type:varchar(20)"`
	PhotoUrl          string    `json:"photoUrl" gorm:"column:photo_url;type:text"`
	Specialty         string    `json:"specialty" gorm:"column:specialty;index;type:varchar(100)"`
	City              string    `json:"city" gorm:"column:city;index;type:varchar(100)"`
	YearsOfExperience float64   `json:"yearsOfExperience" gorm:"column:years_of_experience;default:0"`
	Verified          bool      `json:"verified" gorm:"column:verified;default:false"`
	ConsultationPrice float64   `json:"consultationPrice" gorm:"column:consultation_price;default:0"`
	CreatedAt         time.Time `json:"created_at" gorm:"column:created_at;autoCreateTime;type:timestamp with time zone"`
	UpdatedAt         time.Time `json:"updated_at" gorm:"column:updated_at;autoUpdateTime;type:timestamp with time zone"`
}

func (d *Doctor) TableName() string {
	return "doctors"
}

// AfterFind вызывается после загрузки модели из базы данных
func (d *Doctor) AfterFind(tx *gorm.DB) error {
	if d.PhotoUrl != "" && d.PhotoUrl[0] != '/' && !isAbsoluteURL(d.PhotoUrl) {
		d.PhotoUrl = "/" + d.PhotoUrl
	}
	return nil
}

func (d *Doctor) FullName() string {
	return d.FirstName + " " + d.LastName
}

func isAbsoluteURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
